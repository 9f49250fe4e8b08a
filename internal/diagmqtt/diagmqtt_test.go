package diagmqtt

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/soypat/blsdio/lmac"
)

// readPacket reads one MQTT control packet and returns its first byte and body.
func readPacket(r io.Reader) (byte, []byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, nil, err
	}
	first := b[0]
	var length, shift int
	for {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, nil, err
		}
		length |= int(b[0]&0x7f) << shift
		if b[0]&0x80 == 0 {
			break
		}
		shift += 7
	}
	body := make([]byte, length)
	_, err := io.ReadFull(r, body)
	return first, body, err
}

type published struct {
	topic   string
	payload []byte
}

// broker accepts one connection and forwards every publish it receives.
func broker(t *testing.T, conn net.Conn, pubs chan<- published) {
	defer close(pubs)
	first, _, err := readPacket(conn)
	if err != nil || first>>4 != 1 {
		t.Errorf("want CONNECT, got %#x %v", first, err)
		return
	}
	conn.Write([]byte{0x20, 0x02, 0x00, 0x00}) // CONNACK accepted.
	for {
		first, body, err := readPacket(conn)
		if err != nil {
			return
		}
		if first>>4 != 3 {
			continue
		}
		tlen := int(binary.BigEndian.Uint16(body))
		pubs <- published{topic: string(body[2 : 2+tlen]), payload: body[2+tlen:]}
	}
}

func TestPublisher(t *testing.T) {
	client, server := net.Pipe()
	pubs := make(chan published, 4)
	go broker(t, server, pubs)

	p, err := New(client, Config{ClientID: "test", Topic: "bl0/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	p.Diag(lmac.TypeDBG, []byte("hello"))
	select {
	case got := <-pubs:
		if got.topic != "bl0/console" || !bytes.Equal(got.payload, []byte("hello")) {
			t.Errorf("got topic %q payload %q", got.topic, got.payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("publish not received")
	}
}

func TestDiagTopic(t *testing.T) {
	for typ, want := range map[lmac.FrameType]string{
		lmac.TypeDBG:        "console",
		lmac.TypeDbgDumpEnd: "dump/trace",
		lmac.TypeDumpInfo:   "dump/info",
		lmac.TypeDbgTxDesc:  "diag/dbg_tx_desc",
	} {
		if got := DiagTopic(typ); got != want {
			t.Errorf("%s: want %q, got %q", typ, want, got)
		}
	}
}
