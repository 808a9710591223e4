// Command pgmrecv runs a standalone PGM-style receive window as a
// foreground process. Framing and transmission below the packet boundary
// are intentionally minimal here (line-delimited stdin/stdout); a real
// multicast transport would plug into the same transport.Source,
// transport.Sink, and transport.NAKTransmitter interfaces pkg/daemon
// already depends on.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/mirulimited/pgmrx/pkg/daemon"
	"github.com/mirulimited/pgmrx/pkg/transport"
)

const ProcessName = "pgmrecv"

// Command returns the CLI root command for pgmrecv.
func Command() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:   ProcessName,
		Short: "Run a PGM-style reliable multicast receive window",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			return daemon.Run(cmd.Context(), daemon.Deps{
				Source:     newLineSource(cmd.InOrStdin()),
				Sink:       newLineSink(cmd.OutOrStdout()),
				Tx:         newLoggingTransmitter(),
				Fs:         afero.NewOsFs(),
				ConfigPath: configPath,
			})
		},
	}
	c.Flags().StringVar(&configPath, "config", "", "path to an optional YAML config overlay")
	return c
}

func main() {
	logger := logrus.StandardLogger()
	ctx := dlog.WithLogger(context.Background(), dlog.WrapLogrus(logger))

	if err := Command().ExecuteContext(ctx); err != nil {
		dlog.Errorf(ctx, "%+v", err)
		os.Exit(1)
	}
}

// lineSource reads "seq trail payload" lines from r, one packet per line.
// It is a minimal stand-in for a real multicast decoder.
type lineSource struct {
	scanner *bufio.Scanner
}

func newLineSource(r io.Reader) *lineSource {
	return &lineSource{scanner: bufio.NewScanner(r)}
}

func (s *lineSource) Receive(ctx context.Context) (transport.Packet, error) {
	type result struct {
		pkt transport.Packet
		err error
	}
	done := make(chan result, 1)
	go func() {
		if !s.scanner.Scan() {
			err := s.scanner.Err()
			if err == nil {
				err = io.EOF
			}
			done <- result{err: err}
			return
		}
		pkt, err := parseLine(s.scanner.Text())
		done <- result{pkt: pkt, err: err}
	}()

	select {
	case <-ctx.Done():
		return transport.Packet{}, ctx.Err()
	case r := <-done:
		return r.pkt, r.err
	}
}

func parseLine(line string) (transport.Packet, error) {
	fields := strings.SplitN(line, " ", 3)
	if len(fields) != 3 {
		return transport.Packet{}, fmt.Errorf("pgmrecv: malformed line %q, want \"seq trail payload\"", line)
	}
	seq, err := strconv.ParseUint(fields[0], 10, 32)
	if err != nil {
		return transport.Packet{}, fmt.Errorf("pgmrecv: bad sequence in %q: %w", line, err)
	}
	trail, err := strconv.ParseUint(fields[1], 10, 32)
	if err != nil {
		return transport.Packet{}, fmt.Errorf("pgmrecv: bad trail in %q: %w", line, err)
	}
	return transport.Packet{
		Sequence:        uint32(seq),
		AdvertisedTrail: uint32(trail),
		Payload:         []byte(fields[2]),
	}, nil
}

// lineSink writes every delivered payload to w, one per line.
type lineSink struct {
	w io.Writer
}

func newLineSink(w io.Writer) *lineSink {
	return &lineSink{w: w}
}

func (s *lineSink) Deliver(_ context.Context, payload []byte) {
	fmt.Fprintf(s.w, "%s\n", payload)
}

// loggingTransmitter stands in for a real NAK transmitter: it just logs the
// NAK that would have gone out, since this command has no multicast socket
// to send one on.
type loggingTransmitter struct{}

func newLoggingTransmitter() loggingTransmitter {
	return loggingTransmitter{}
}

func (loggingTransmitter) SendNAK(ctx context.Context, seq uint32) error {
	dlog.Debugf(ctx, "pgmrecv: would send NAK for #%d", seq)
	return nil
}
