// blparse decodes captured SDIO transfers between the host and the firmware.
//
// The capture is a CSV file with a header row and the columns
// direction (R or W), address (hex) and data (hex):
//
//	blparse -file capture.csv
//	blparse -addr 0x110d1
//	blparse -hdr 2000030000000000
package main

import (
	"encoding/csv"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/soypat/blsdio/lmac"
	"golang.org/x/exp/constraints"
)

func main() {
	fileName := flag.String("file", "", "Path to the capture CSV file.")
	addrFlag := flag.String("addr", "", "Decode a single bus address.")
	hdrFlag := flag.String("hdr", "", "Decode a single frame header given as 16 hex characters.")
	blockSize := flag.Uint("bs", 512, "Bus block size frames are padded to.")
	hexDump := flag.Bool("hex-dump", false, "Do full hex.Dump() of transfer data.")
	flag.Parse()

	p := parser{blockSize: uint32(*blockSize), hexDump: *hexDump}
	switch {
	case *addrFlag != "":
		addr, err := parseHex(*addrFlag)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(describeAddr(uint32(addr)))
	case *hdrFlag != "":
		b, err := hex.DecodeString(*hdrFlag)
		if err != nil {
			log.Fatal(err)
		}
		hdr, err := lmac.ParseHeader(b)
		if err != nil {
			log.Fatal(err)
		}
		fmt.Println(hdr.String())
	case *fileName != "":
		file, err := os.Open(*fileName)
		if err != nil {
			log.Fatal(err)
		}
		defer file.Close()
		err = p.parseCSV(os.Stdout, file)
		if err != nil {
			log.Fatal(err)
		}
	default:
		flag.Usage()
		os.Exit(2)
	}
}

type parser struct {
	blockSize uint32
	hexDump   bool
}

type transfer struct {
	write bool
	addr  uint32
	data  []byte
}

func (p *parser) parseCSV(w io.Writer, r io.Reader) error {
	records, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return errors.New("empty capture")
	}
	for i, record := range records[1:] {
		t, err := parseRecord(record)
		if err != nil {
			return fmt.Errorf("record %d: %w", i+2, err)
		}
		for _, line := range p.describe(t) {
			fmt.Fprintln(w, line)
		}
	}
	return nil
}

func parseRecord(record []string) (t transfer, err error) {
	if len(record) < 3 {
		return t, errors.New("want 3 columns")
	}
	switch strings.ToUpper(strings.TrimSpace(record[0])) {
	case "W":
		t.write = true
	case "R":
	default:
		return t, fmt.Errorf("bad direction %q", record[0])
	}
	addr, err := parseHex(record[1])
	if err != nil {
		return t, err
	}
	t.addr = uint32(addr)
	t.data, err = hex.DecodeString(strings.TrimSpace(record[2]))
	return t, err
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	return strconv.ParseUint(s, 16, 32)
}

func describeAddr(addr uint32) string {
	ioport, mask, start, ok := lmac.SplitAggregatedAddr(addr)
	switch {
	case ok:
		return fmt.Sprintf("agg ioport=%#x start=%d mask=%08b", ioport, start, mask)
	case addr < 0x2000:
		return fmt.Sprintf("reg %#x", addr)
	default:
		return fmt.Sprintf("port ioport=%#x port=%d", ioport, addr&0xf)
	}
}

// describe returns one line for the transfer plus one per frame found in it.
func (p *parser) describe(t transfer) []string {
	dir := "R"
	if t.write {
		dir = "W"
	}
	lines := []string{fmt.Sprintf("%s %s len=%d", dir, describeAddr(t.addr), len(t.data))}
	if t.addr >= 0x2000 {
		lines = append(lines, p.frames(t.data)...)
	}
	if p.hexDump {
		lines = append(lines, hex.Dump(t.data))
	}
	return lines
}

// frames walks the frames packed in a port transfer.
func (p *parser) frames(data []byte) (lines []string) {
	for off := 0; off+lmac.HeaderLen <= len(data); {
		hdr := lmac.DecodeHeader(data[off:])
		if hdr.Length == 0 || !hdr.Type.IsValid() {
			break
		}
		line := "\t" + hdr.String()
		body := data[off+lmac.HeaderLen:]
		switch hdr.Type {
		case lmac.TypeDATA:
			line += fmt.Sprintf(" seq=%d pad=%d", hdr.DataSeq(), hdr.PadLen())
			if pad := int(hdr.PadLen()); pad < len(body) {
				if desc, err := lmac.DecodeRxDesc(body[pad:]); err == nil {
					line += fmt.Sprintf(" status=%#x sta=%d tid=%d sn=%d", desc.Status, desc.StaIdx, desc.TID, desc.SN)
				}
			}
		case lmac.TypeMSG:
			if msg, err := lmac.DecodeMsgHeader(body); err == nil {
				line += fmt.Sprintf(" msg=%s dst=%s src=%s plen=%d", msg.ID, msg.DestID, msg.SrcID, msg.ParamLen)
			}
		case lmac.TypeDBG:
			n := min(int(hdr.Length), len(body))
			line += fmt.Sprintf(" %q", strings.TrimRight(string(body[:n]), "\x00"))
		}
		lines = append(lines, line)
		step := lmac.HeaderLen + int(hdr.PadLen()) + int(hdr.Length)
		if hdr.Type != lmac.TypeDATA {
			step = lmac.HeaderLen + int(hdr.Length)
		}
		off += int(alignup(uint32(step), p.blockSize))
	}
	return lines
}

// alignup rounds val up to a multiple of align, a power of 2. Zero disables alignment.
func alignup[T constraints.Unsigned](val, align T) T {
	if align == 0 {
		return val
	}
	return (val + align - 1) &^ (align - 1)
}
