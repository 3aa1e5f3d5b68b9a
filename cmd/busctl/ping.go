package main

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/danmuck/termbus/internal/client"
	"github.com/danmuck/termbus/internal/logbuffer"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	pingTimeout time.Duration
	pingUDP     string
)

func init() {
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 30*time.Second, "overall deadline for the round trip")
	pingCmd.Flags().Int("messages", 0, "messages to send (default from profile)")
	pingCmd.Flags().Int("size", 0, "message size in bytes (default from profile)")
	pingCmd.Flags().String("channel", "", "channel uri (default from profile)")
	pingCmd.Flags().StringVar(&pingUDP, "udp", "", "shorthand for termbus:udp?endpoint=<addr>")
	rootCmd.AddCommand(pingCmd)
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Publish and consume messages through an embedded driver",
	Long: `Start an embedded driver, add a subscription and a publication on the
same channel and stream, then send messages through it and report throughput
and latency.

Examples:
  busctl ping
  busctl ping --messages 100000 --size 64
  busctl ping --udp localhost:24325`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		p := active
		if n, _ := cmd.Flags().GetInt("messages"); cmd.Flags().Changed("messages") {
			p.Messages = n
		}
		if n, _ := cmd.Flags().GetInt("size"); cmd.Flags().Changed("size") {
			p.MessageSize = n
		}
		if ch, _ := cmd.Flags().GetString("channel"); cmd.Flags().Changed("channel") {
			p.Channel = ch
		}
		if pingUDP != "" {
			p.Channel = "termbus:udp?endpoint=" + pingUDP
		}
		if err := p.validate(); err != nil {
			return err
		}

		d, err := startDriver()
		if err != nil {
			return err
		}
		defer d.Close()
		c, err := startClient(d)
		if err != nil {
			return err
		}
		defer c.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
		defer cancel()
		res, err := runPing(ctx, c, p)
		if err != nil {
			return err
		}
		printPing(cmd.OutOrStdout(), p, res)
		return nil
	},
}

type pingResult struct {
	Sent          int
	Received      int
	BackPressured int
	Elapsed       time.Duration
	Latencies     []time.Duration
}

func (r pingResult) percentile(q float64) time.Duration {
	if len(r.Latencies) == 0 {
		return 0
	}
	idx := int(q * float64(len(r.Latencies)-1))
	return r.Latencies[idx]
}

// runPing sends p.Messages messages stamped with their send time and polls
// them back on the same client until all arrive or ctx ends.
func runPing(ctx context.Context, c *client.Client, p profile) (pingResult, error) {
	sub, err := c.AddSubscription(ctx, p.Channel, p.StreamID, nil, nil)
	if err != nil {
		return pingResult{}, fmt.Errorf("add subscription: %w", err)
	}
	defer sub.Close(nil)
	pub, err := c.AddPublication(ctx, p.Channel, p.StreamID)
	if err != nil {
		return pingResult{}, fmt.Errorf("add publication: %w", err)
	}
	defer pub.Close(nil)

	for !pub.IsConnected() || sub.ImageCount() == 0 {
		if err := ctx.Err(); err != nil {
			return pingResult{}, fmt.Errorf("waiting for image: %w", err)
		}
		time.Sleep(time.Millisecond)
	}
	log.Debug().Str("channel", p.Channel).Int32("stream", p.StreamID).Int32("session", pub.SessionID()).Msg("busctl.ping connected")

	res := pingResult{Latencies: make([]time.Duration, 0, p.Messages)}
	handler := func(buf []byte, _ *logbuffer.Header) {
		if len(buf) < 8 {
			return
		}
		sentAt := int64(binary.LittleEndian.Uint64(buf))
		res.Latencies = append(res.Latencies, time.Duration(time.Now().UnixNano()-sentAt))
		res.Received++
	}

	msg := make([]byte, p.MessageSize)
	start := time.Now()
	for res.Sent < p.Messages {
		binary.LittleEndian.PutUint64(msg, uint64(time.Now().UnixNano()))
		status := pub.Offer(msg, nil)
		switch {
		case status >= 0:
			res.Sent++
		case client.IsRetryable(status):
			res.BackPressured++
			if sub.Poll(handler, 64) == 0 {
				if err := ctx.Err(); err != nil {
					return res, fmt.Errorf("offer stalled at %d: %w", res.Sent, err)
				}
			}
		default:
			return res, fmt.Errorf("offer %d: %w", res.Sent, client.ErrorForStatus(status))
		}
		sub.Poll(handler, 16)
	}
	for res.Received < res.Sent {
		if sub.Poll(handler, 256) == 0 {
			if err := ctx.Err(); err != nil {
				return res, fmt.Errorf("received %d of %d: %w", res.Received, res.Sent, err)
			}
			time.Sleep(50 * time.Microsecond)
		}
	}
	res.Elapsed = time.Since(start)
	sort.Slice(res.Latencies, func(i, j int) bool { return res.Latencies[i] < res.Latencies[j] })
	return res, nil
}

func printPing(w io.Writer, p profile, r pingResult) {
	secs := r.Elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	rate := float64(r.Received) / secs
	mbps := rate * float64(p.MessageSize) / (1 << 20)

	fmt.Fprintf(w, "%s %s stream=%d\n", headFmt("ping"), p.Channel, p.StreamID)
	fmt.Fprintf(w, "  sent:      %s\n", okFmt(r.Sent))
	received := okFmt(r.Received)
	if r.Received != r.Sent {
		received = errFmt(r.Received)
	}
	fmt.Fprintf(w, "  received:  %s\n", received)
	backPressured := dimFmt(r.BackPressured)
	if r.BackPressured > 0 {
		backPressured = warnFmt(r.BackPressured)
	}
	fmt.Fprintf(w, "  retries:   %s\n", backPressured)
	fmt.Fprintf(w, "  elapsed:   %s\n", r.Elapsed.Round(time.Microsecond))
	fmt.Fprintf(w, "  rate:      %.0f msg/s  %.2f MiB/s\n", rate, mbps)
	fmt.Fprintf(w, "  latency:   p50=%s p99=%s max=%s\n",
		r.percentile(0.50).Round(time.Microsecond),
		r.percentile(0.99).Round(time.Microsecond),
		r.percentile(1).Round(time.Microsecond),
	)
}
