package engine

import (
	"github.com/nexusfix/fixgate/internal/dispatch"
	"github.com/nexusfix/fixgate/internal/fixpsess"
	"github.com/nexusfix/fixgate/internal/fixpwire"
	"github.com/nexusfix/fixgate/internal/fixsess"
	"github.com/nexusfix/fixgate/internal/fixwire"
)

// fixTransport is the fixsess.Transport that closes the loop between the
// decoded session layer and the wire: encode via internal/fixwire, write
// via the Receiver Dispatcher's connection table, and hand the written
// bytes back so Session can archive and index exactly what went out.
type fixTransport struct {
	dispatcher *dispatch.Dispatcher
	id         dispatch.ConnID
	encoder    fixwire.Encoder
}

func (t fixTransport) Send(out fixsess.Outbound) ([]byte, error) {
	raw := t.encoder.Encode(out)
	if err := t.dispatcher.Send(t.id, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// fixpTransport is the FIXP counterpart, encoding via internal/fixpwire.
type fixpTransport struct {
	dispatcher *dispatch.Dispatcher
	id         dispatch.ConnID
}

func (t fixpTransport) Send(out fixpsess.Outbound) ([]byte, error) {
	raw := fixpwire.Encode(out)
	if err := t.dispatcher.Send(t.id, raw); err != nil {
		return nil, err
	}
	return raw, nil
}
