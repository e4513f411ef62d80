package link

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"

	"github.com/sirupsen/logrus"

	"github.com/spider-net/spider/wire"
)

// frameReader advances a streaming JSON parser over a byte buffer fed from
// the socket. Partial-frame errors (not enough bytes yet) do not close the
// connection; any other decode error is logged and the offending byte is
// dropped before retrying.
type frameReader struct {
	r   *bufio.Reader
	buf []byte
	log *logrus.Entry
}

func newFrameReader(r io.Reader, log *logrus.Entry) *frameReader {
	return &frameReader{r: bufio.NewReader(r), log: log}
}

func (fr *frameReader) next() (wire.Frame, error) {
	chunk := make([]byte, 4096)
	for {
		if len(fr.buf) > 0 {
			dec := json.NewDecoder(bytes.NewReader(fr.buf))
			var f wire.Frame
			err := dec.Decode(&f)
			if err == nil {
				fr.buf = fr.buf[dec.InputOffset():]
				return f, nil
			}
			if err != io.EOF && err != io.ErrUnexpectedEOF {
				fr.log.WithError(err).Warn("link: dropping malformed frame byte")
				fr.buf = fr.buf[1:]
				continue
			}
			// else: not enough buffered bytes for a full frame yet, fall through to read more
		}
		n, err := fr.r.Read(chunk)
		if n > 0 {
			fr.buf = append(fr.buf, chunk[:n]...)
			continue
		}
		if err != nil {
			return wire.Frame{}, err
		}
	}
}

func writeFrame(w io.Writer, f wire.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
