package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/trnila/rollerctrl/protocol"
)

func hexFrame(t *testing.T, id byte, payload []byte) string {
	t.Helper()
	b, err := protocol.EncodeFrame(protocol.MessageClassAsync, protocol.DeviceSphero, id, 0, payload)
	if err != nil {
		t.Fatal(err)
	}
	return hex.EncodeToString(b)
}

func TestDecodeStream(t *testing.T) {
	level := hexFrame(t, protocol.AsyncSelfLevelComplete, []byte{0x05})
	sensor := hexFrame(t, protocol.AsyncSensorData, []byte{0x00, 0x2a})

	input := strings.Join([]string{
		"# captured from the robot",
		level[:6],
		level[6:],
		"",
		"de ad " + sensor,
	}, "\n")

	var out bytes.Buffer
	masks := protocol.StaticMasks{Mask: protocol.StreamingMaskIMUYawAngleFiltered}
	if err := decodeStream(strings.NewReader(input), &out, masks, slog.New(slog.NewTextHandler(io.Discard, nil))); err != nil {
		t.Fatal(err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines:\n%s", len(lines), out.String())
	}

	var first struct {
		Kind  string
		Event struct{ Result string }
	}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatal(err)
	}
	if first.Kind != "self_level_complete" || first.Event.Result != "success" {
		t.Errorf("first line = %s", lines[0])
	}
	if !strings.Contains(lines[1], `"yaw"`) || !strings.Contains(lines[1], `42`) {
		t.Errorf("second line = %s", lines[1])
	}
}

func TestDecodeStreamBadHex(t *testing.T) {
	err := decodeStream(strings.NewReader("zz\n"), io.Discard, protocol.StaticMasks{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Errorf("err = %v", err)
	}
}
