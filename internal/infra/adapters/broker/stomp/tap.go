package stomp

import (
	"io"
	"sync"

	"github.com/go-stomp/stomp/v3/frame"
)

// tap стоит между сокетом и клиентом go-stomp. Кадры MESSAGE забираются в порядке
// прихода в messages, клиенту вместо них уходит heart-beat, чтобы его таймер чтения
// видел трафик. Остальные кадры проходят без изменений
type tap struct {
	raw io.ReadWriteCloser

	pr *io.PipeReader
	pw *io.PipeWriter

	messages chan *frame.Frame

	once   sync.Once
	closed chan struct{}
}

func newTap(raw io.ReadWriteCloser) *tap {
	pr, pw := io.Pipe()

	t := &tap{
		raw:      raw,
		pr:       pr,
		pw:       pw,
		messages: make(chan *frame.Frame, 64),
		closed:   make(chan struct{}),
	}

	go t.run()

	return t
}

func (t *tap) run() {
	defer close(t.messages)

	r := frame.NewReader(t.raw)
	w := frame.NewWriter(t.pw)

	for {
		f, err := r.Read()
		if err != nil {
			_ = t.pw.CloseWithError(err)
			return
		}

		if f != nil && f.Command == frame.MESSAGE {
			select {
			case t.messages <- f:
			case <-t.closed:
				_ = t.pw.CloseWithError(io.ErrClosedPipe)
				return
			}

			f = nil
		}

		if err = w.Write(f); err != nil {
			return
		}
	}
}

func (t *tap) Read(p []byte) (int, error)  { return t.pr.Read(p) }
func (t *tap) Write(p []byte) (int, error) { return t.raw.Write(p) }

func (t *tap) Close() error {
	t.once.Do(func() { close(t.closed) })
	_ = t.pr.Close()

	return t.raw.Close()
}
