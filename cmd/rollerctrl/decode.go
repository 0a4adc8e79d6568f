package main

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/trnila/rollerctrl/protocol"
	"github.com/trnila/rollerctrl/session"
)

func decodeCmd() *cobra.Command {
	var (
		mask  uint32
		mask2 uint32
		debug bool
	)

	cmd := &cobra.Command{
		Use:   "decode",
		Short: "Decode hex dumped frames from stdin",
		Long: `Decode hex dumped frames from stdin and print one JSON event per line.

Frames may span lines and bytes may be separated by spaces. Sensor data is
decoded against the masks given with --mask and --mask2.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if debug {
				level = slog.LevelDebug
			}
			masks := protocol.StaticMasks{
				Mask:  protocol.StreamingMask(mask),
				Mask2: protocol.StreamingMask2(mask2),
			}
			return decodeStream(cmd.InOrStdin(), cmd.OutOrStdout(), masks, newLogger(level))
		},
	}

	cmd.Flags().Uint32Var(&mask, "mask", 0, "streaming mask in effect")
	cmd.Flags().Uint32Var(&mask2, "mask2", 0, "streaming mask2 in effect")
	cmd.Flags().BoolVar(&debug, "debug", false, "log dropped bytes")

	return cmd
}

type decodedLine struct {
	Kind  string         `json:"kind"`
	Event protocol.Event `json:"event"`
}

func decodeStream(r io.Reader, w io.Writer, masks protocol.StaticMasks, logger *slog.Logger) error {
	dec := session.NewDecoder(protocol.NewDefaultRegistry(masks), session.WithLogger(logger))
	enc := json.NewEncoder(w)

	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.Join(strings.Fields(scanner.Text()), "")
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		b, err := hex.DecodeString(text)
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		for _, evt := range dec.Feed(b) {
			if err := enc.Encode(decodedLine{Kind: evt.Kind(), Event: evt}); err != nil {
				return err
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if n := dec.Buffered(); n > 0 {
		logger.Warn("input ended inside a frame", "bytes", n)
	}
	return nil
}
