package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"mini-rsocket/client"
	"mini-rsocket/message"
)

var requestFlags struct {
	name     string
	from     string
	mono     bool
	count    int // stream items to read
	ticks    int // channel items to send
	credit   int64
	interval time.Duration
	out      string
}

func newClient() (*client.Client, error) {
	return client.FromConfig(cfg, logger)
}

// withClient runs fn with a client that is closed afterwards, cancelling fn
// on SIGINT.
func withClient(cmd *cobra.Command, fn func(ctx context.Context, c *client.Client) error) error {
	c, err := newClient()
	if err != nil {
		return err
	}
	defer c.Close()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return fn(ctx, c)
}

var requestResponseCmd = &cobra.Command{
	Use:   "request-response",
	Short: "Send one request and print the response",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if requestFlags.mono {
				var resp string
				if err := c.Call(ctx, "mono-req-res", randomID(10), &resp); err != nil {
					return err
				}
				fmt.Println("req-res Mono test :", resp)
				return nil
			}
			var resp Message
			if err := c.Call(ctx, "req-res", Message{Name: requestFlags.name, From: requestFlags.from}, &resp); err != nil {
				return err
			}
			fmt.Printf("Response from server: %+v\n", resp)
			return nil
		})
	},
}

var fireAndForgetCmd = &cobra.Command{
	Use:   "fire-and-forget",
	Short: "Send one request without waiting for an answer",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if err := c.Send(ctx, "fire-and-forget", Message{Name: requestFlags.name, From: requestFlags.from}); err != nil {
				return err
			}
			fmt.Println("Fire-and-forget request sent to server.")
			return nil
		})
	},
}

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Open a request-stream and print every item",
	Long: `Open a request-stream and print every item.

With --out the FluxStream route is used instead and the raw chunks are
appended to the given file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			if requestFlags.out != "" {
				return download(ctx, c, requestFlags.out)
			}
			flux, err := c.Stream(ctx, "stream", Message{Name: requestFlags.name, From: requestFlags.from}, requestFlags.credit)
			if err != nil {
				return err
			}
			n := 0
			for p, err := range flux.All(ctx) {
				if err != nil {
					return err
				}
				var m Message
				if err := c.Decode(p, &m); err != nil {
					return err
				}
				fmt.Printf("Received from stream: %+v\n", m)
				if n++; requestFlags.count > 0 && n >= requestFlags.count {
					break
				}
			}
			return nil
		})
	},
}

func download(ctx context.Context, c *client.Client, path string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "open output")
	}
	defer f.Close()

	flux, err := c.Stream(ctx, "FluxStream", nil, requestFlags.credit)
	if err != nil {
		return err
	}
	total := 0
	for p, err := range flux.All(ctx) {
		if err != nil {
			return err
		}
		if _, err := f.Write(p.Data); err != nil {
			return errors.Wrap(err, "write output")
		}
		total += len(p.Data)
	}
	fmt.Printf("Received and wrote %d bytes\n", total)
	return nil
}

var channelCmd = &cobra.Command{
	Use:   "channel",
	Short: "Open a request-channel sending a tick every interval",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *client.Client) error {
			out := make(chan message.Payload)
			go ticks(ctx, c, out)
			flux, err := c.Channel(ctx, "channel", out, requestFlags.credit)
			if err != nil {
				return err
			}

			for p, err := range flux.All(ctx) {
				if err != nil {
					return err
				}
				var m Message
				if err := c.Decode(p, &m); err != nil {
					return err
				}
				fmt.Printf("Received from channel: %+v\n", m)
			}
			fmt.Println("channel complete")
			return nil
		})
	},
}

// ticks sends 0, 1, 2, ... on out every interval, count of them (0 = until
// ctx is done), then closes out.
func ticks(ctx context.Context, c *client.Client, out chan<- message.Payload) {
	defer close(out)
	ticker := time.NewTicker(requestFlags.interval)
	defer ticker.Stop()
	for i := int64(0); requestFlags.ticks <= 0 || i < int64(requestFlags.ticks); i++ {
		p, err := c.Encode("", i)
		if err != nil {
			return
		}
		select {
		case out <- p:
		case <-ctx.Done():
			return
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

const idAlphabet = "abcdefg!@#$%^"

func randomID(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = idAlphabet[rand.IntN(len(idAlphabet))]
	}
	return string(b)
}

func init() {
	for _, cmd := range []*cobra.Command{requestResponseCmd, fireAndForgetCmd, streamCmd, channelCmd} {
		cmd.Flags().StringVar(&requestFlags.name, "name", "superpil", "message name")
		cmd.Flags().StringVar(&requestFlags.from, "from", "client", "message sender")
	}
	requestResponseCmd.Flags().BoolVar(&requestFlags.mono, "mono", false, "call mono-req-res with a random id")
	for _, cmd := range []*cobra.Command{streamCmd, channelCmd} {
		cmd.Flags().Int64Var(&requestFlags.credit, "credit", 0, "initial credit, 0 uses the negotiated window")
	}
	streamCmd.Flags().IntVar(&requestFlags.count, "count", 0, "stop after this many items, 0 reads to the end")
	streamCmd.Flags().StringVarP(&requestFlags.out, "out", "o", "", "download the FluxStream route into this file")
	channelCmd.Flags().IntVar(&requestFlags.ticks, "count", 5, "ticks to send, 0 sends until interrupted")
	channelCmd.Flags().DurationVar(&requestFlags.interval, "interval", time.Second, "delay between ticks")
}
