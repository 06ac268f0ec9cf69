package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"mini-rsocket/codec"
	"mini-rsocket/message"
	"mini-rsocket/server"
	"mini-rsocket/transport"
)

// Message is the demo payload.
type Message struct {
	Name string `json:"name" cbor:"name"`
	From string `json:"from" cbor:"from"`
}

const chunkSize = 4096

// demo serves the demo routes:
//
//	req-res          Message → Message
//	mono-req-res     string → string
//	fire-and-forget  Message, logged
//	stream           Message → Message every interval, count items (0 = until cancelled)
//	FluxStream       raw chunks of the served file
//	channel          int ticks → Message per tick
type demo struct {
	log      *zap.Logger
	interval time.Duration
	count    int
	file     string
}

func (d *demo) register(svr *server.Server) {
	svr.HandleResponse("req-res", d.requestResponse)
	svr.HandleResponse("mono-req-res", d.monoRequestResponse)
	svr.HandleFireAndForget("fire-and-forget", d.fireAndForget)
	svr.HandleStream("stream", d.stream)
	svr.HandleStream("FluxStream", d.fluxStream)
	svr.HandleChannel("channel", d.channel)
}

// codecOf returns the codec negotiated on the connection serving ctx.
func codecOf(ctx context.Context) codec.Codec {
	if c, ok := transport.ConnectionFrom(ctx); ok {
		return codec.GetCodec(codec.CodecType(c.Setup().DataCodec))
	}
	return codec.GetCodec(codec.CodecTypeJSON)
}

func encode(ctx context.Context, v any) (message.Payload, error) {
	data, err := codecOf(ctx).Encode(v)
	if err != nil {
		return message.Payload{}, errors.Wrap(err, "encode")
	}
	return message.Payload{Data: data}, nil
}

func (d *demo) requestResponse(ctx context.Context, req message.Payload) (message.Payload, error) {
	var in Message
	if err := codecOf(ctx).Decode(req.Data, &in); err != nil {
		return message.Payload{}, errors.Wrap(err, "decode message")
	}
	d.log.Info("request-response", zap.String("name", in.Name), zap.String("from", in.From))
	return encode(ctx, Message{Name: "Hello " + in.Name, From: "server"})
}

func (d *demo) monoRequestResponse(ctx context.Context, req message.Payload) (message.Payload, error) {
	var id string
	if err := codecOf(ctx).Decode(req.Data, &id); err != nil {
		return message.Payload{}, errors.Wrap(err, "decode id")
	}
	return encode(ctx, "mono "+id)
}

func (d *demo) fireAndForget(ctx context.Context, req message.Payload) {
	var in Message
	if err := codecOf(ctx).Decode(req.Data, &in); err != nil {
		d.log.Warn("fire-and-forget: bad message", zap.Error(err))
		return
	}
	d.log.Info("fire-and-forget", zap.String("name", in.Name), zap.String("from", in.From))
}

func (d *demo) stream(ctx context.Context, req message.Payload, out *transport.Sender) error {
	var in Message
	if err := codecOf(ctx).Decode(req.Data, &in); err != nil {
		return errors.Wrap(err, "decode message")
	}
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for i := 0; d.count <= 0 || i < d.count; i++ {
		if i > 0 {
			select {
			case <-ticker.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		p, err := encode(ctx, Message{Name: fmt.Sprintf("%s #%d", in.Name, i), From: "server"})
		if err != nil {
			return err
		}
		if err := out.Send(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (d *demo) fluxStream(ctx context.Context, _ message.Payload, out *transport.Sender) error {
	if d.file == "" {
		return errors.New("no file served")
	}
	f, err := os.Open(d.file)
	if err != nil {
		return errors.Wrap(err, "open")
	}
	defer f.Close()

	buf := make([]byte, chunkSize)
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if serr := out.Send(ctx, message.Payload{Data: append([]byte(nil), buf[:n]...)}); serr != nil {
				return serr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "read")
		}
	}
}

func (d *demo) channel(ctx context.Context, _ message.Payload, in *transport.Flux, out *transport.Sender) error {
	cdc := codecOf(ctx)
	for p, err := range in.All(ctx) {
		if err != nil {
			return err
		}
		var tick int64
		if err := cdc.Decode(p.Data, &tick); err != nil {
			return errors.Wrap(err, "decode tick")
		}
		resp, err := encode(ctx, Message{Name: fmt.Sprintf("tick %d", tick), From: "server"})
		if err != nil {
			return err
		}
		if err := out.Send(ctx, resp); err != nil {
			return err
		}
	}
	return nil
}
