package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"rtio-observer/internal/protocol"
	"rtio-observer/internal/session"

	"github.com/spf13/cobra"
)

func newObserveCmd(c *cli) *cobra.Command {
	var uri string
	var id int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "observe [deviceID]",
		Short: "Follow a device's observation stream until it ends or Ctrl-C",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, err := c.deviceArg(args)
			if err != nil {
				return err
			}
			if uri == "" {
				uri = c.cfg.RTIO.ObserveURI
			}
			if id == 0 {
				id = c.cfg.RTIO.ObserveID
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			p := &printer{out: cmd.OutOrStdout(), json: asJSON}
			sess := session.Start(ctx, session.Options{
				Service:   c.cfg.RTIO.Service,
				DeviceID:  deviceID,
				URI:       uri,
				RequestID: id,
				Client:    c.client,
				Logger:    c.log,
			}, p.observer())

			term := sess.Wait()
			if term.Reason == session.ReasonFailed {
				return term.Err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&uri, "uri", "", "resource to observe (default from config, /gpio)")
	cmd.Flags().IntVar(&id, "id", 0, "request id (default from config, 12668)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per event")
	return cmd
}

// printer writes observation events as they arrive. Callbacks come from the
// session goroutine one at a time, so no locking is needed.
type printer struct {
	out  io.Writer
	json bool
}

func (p *printer) observer() session.ObserverFuncs {
	return session.ObserverFuncs{
		Envelope: func(env *protocol.Envelope) {
			p.print(session.Event{Type: session.EventEnvelope, EnvelopeID: env.ID, Envelope: env.Raw},
				"envelope id=%d code=%s", env.ID, env.Code)
		},
		Payload: func(env *protocol.Envelope, text string) {
			p.print(session.Event{Type: session.EventPayload, EnvelopeID: env.ID, Text: text},
				"payload  %q", text)
		},
		Signal: func(level int) {
			p.print(session.Event{Type: session.EventSignal, Level: level},
				"signal   GPIO=%d", level)
		},
		Error: func(kind session.ErrorKind, err error) {
			p.print(session.Event{Type: session.EventError, Kind: kind, Detail: err.Error()},
				"error    %s: %v", kind, err)
		},
		Terminated: func(t session.Termination) {
			ev := session.Event{Type: session.EventTerminated, Reason: t.Reason}
			if t.Err != nil {
				ev.Detail = t.Err.Error()
			}
			p.print(ev, "%s", t)
		},
	}
}

func (p *printer) print(ev session.Event, format string, args ...any) {
	if p.json {
		data, err := json.Marshal(ev)
		if err != nil {
			return
		}
		fmt.Fprintln(p.out, string(data))
		return
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}
