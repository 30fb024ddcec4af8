package pushclient

import (
	"bufio"
	"io"
	"strings"
)

// maxEventSize は1イベントの最大サイズ。
const maxEventSize = 1 << 20

// eventReader はServer-Sent Eventsのストリームからdataフィールドを取り出す。
// コメント行とdata以外のフィールドは読み飛ばす。
type eventReader struct {
	sc *bufio.Scanner
}

func newEventReader(r io.Reader) *eventReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxEventSize)
	return &eventReader{sc: sc}
}

// next は次のイベントのdataを返す。複数のdata行は改行で連結する。
// ストリームが終わるとio.EOFを返す。
func (r *eventReader) next() (string, error) {
	var data []string
	for r.sc.Scan() {
		line := r.sc.Text()
		if line == "" {
			if len(data) > 0 {
				return strings.Join(data, "\n"), nil
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		if field != "data" {
			continue
		}
		data = append(data, strings.TrimPrefix(value, " "))
	}

	if err := r.sc.Err(); err != nil {
		return "", err
	}
	// 終端の空行が無いまま閉じたイベントは不完全なので捨てる
	return "", io.EOF
}
