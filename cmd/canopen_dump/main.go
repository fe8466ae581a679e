// Command canopen_dump parses an EDS file and prints the resulting object
// dictionary, one line per live entry, optionally exporting it back out as
// an EDS file with -export. It mirrors the teacher's cmd/canopen_test/main.go
// (an EDS load used for automated testing) but as a standalone diagnostic
// rather than a virtual-bus test harness.
package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/fieldbus-works/canopen/pkg/od"
)

func main() {
	log.SetLevel(log.WarnLevel)

	edsPath := flag.String("p", "", "eds file path")
	nodeID := flag.Int("n", 1, "node id passed to the EDS loader (which does not use it)")
	exportPath := flag.String("export", "", "round-trip the parsed dictionary back out as an EDS file")
	flag.Parse()

	if *edsPath == "" {
		fmt.Fprintln(os.Stderr, "usage: canopen_dump -p <eds-file> [-n <node-id>]")
		os.Exit(2)
	}

	dict, err := od.LoadEDS(*edsPath, uint8(*nodeID))
	if err != nil {
		log.WithError(err).Fatal("could not load EDS")
	}

	for _, e := range dict.Live() {
		size, err := dict.Size(od.DevOf(e.Key.Index(), e.Key.Sub()))
		if err != nil {
			fmt.Printf("0x%04X.%-3d  <unreadable: %v>\n", e.Key.Index(), e.Key.Sub(), err)
			continue
		}
		access := "--"
		if e.Key.Readable() && e.Key.Writable() {
			access = "rw"
		} else if e.Key.Readable() {
			access = "ro"
		} else if e.Key.Writable() {
			access = "wo"
		}
		mappable := ""
		if e.Key.PDOMappable() {
			mappable = " pdo-mappable"
		}
		fmt.Printf("0x%04X.%-3d  %s  %d bytes%s\n", e.Key.Index(), e.Key.Sub(), access, size, mappable)
	}

	if *exportPath != "" {
		if err := od.ExportEDS(dict, *exportPath); err != nil {
			log.WithError(err).Fatal("could not export EDS")
		}
	}
}
