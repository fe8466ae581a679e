// Command canopen brings up a single CiA 301 node on a CAN interface from
// an EDS file, mirroring the teacher's cmd/canopen/main.go bring-up flow
// (flag-parsed interface/node-id/EDS path, logrus run logging, a fixed-rate
// main loop) adapted to this module's synchronous Node.Process model.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	_ "github.com/fieldbus-works/canopen/pkg/can/socketcan"
	_ "github.com/fieldbus-works/canopen/pkg/can/virtual"

	"github.com/fieldbus-works/canopen/pkg/can"
	"github.com/fieldbus-works/canopen/pkg/node"
	"github.com/fieldbus-works/canopen/pkg/od"
)

const (
	defaultNodeID   = 0x20
	defaultIface    = "can0"
	defaultDriver   = "socketcan"
	processInterval = time.Millisecond
	maxPDOScan      = 32
)

func main() {
	log.SetLevel(log.DebugLevel)

	driverName := flag.String("d", defaultDriver, "driver name: socketcan, socketcan-brutella, virtual")
	iface := flag.String("i", defaultIface, "interface/channel, e.g. can0, vcan0, or host:port for virtual")
	nodeID := flag.Int("n", defaultNodeID, "node id (1-127)")
	edsPath := flag.String("p", "", "eds file path")
	flag.Parse()

	if *edsPath == "" {
		log.Fatal("eds file path is required (-p)")
	}

	driver, err := can.New(*driverName, *iface)
	if err != nil {
		log.WithError(err).Fatalf("could not open driver %q on %q", *driverName, *iface)
	}
	if err := driver.Enable(); err != nil {
		log.WithError(err).Fatal("could not enable CAN driver")
	}
	defer driver.Close()

	dict, err := od.LoadEDS(*edsPath, uint8(*nodeID))
	if err != nil {
		log.WithError(err).Fatal("could not load EDS")
	}

	cfg := node.Config{
		NodeID:       uint8(*nodeID),
		NTPDO:        countPDOs(dict, 0x1800),
		NRPDO:        countPDOs(dict, 0x1400),
		HistoryDepth: 8,
		HBConsumers:  8,
		EnableClient: true,
	}
	n, err := node.New(cfg, dict, driver)
	if err != nil {
		log.WithError(err).Fatal("could not build node")
	}

	log.WithFields(log.Fields{"node_id": *nodeID, "tpdo": cfg.NTPDO, "rpdo": cfg.NRPDO}).Info("node ready, starting bootup")
	n.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(processInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sigCh:
			log.Info("shutting down")
			n.Stop()
			return
		case <-ticker.C:
			n.Process()
		}
	}
}

// countPDOs scans the dictionary for how many consecutive comm-parameter
// objects exist starting at base (0x1800 for TPDO, 0x1400 for RPDO),
// mirroring how the teacher's pdo_configurator infers PDO count from the
// loaded EDS rather than requiring it on the command line.
func countPDOs(dict *od.Dictionary, base uint16) int {
	n := 0
	for i := 0; i < maxPDOScan; i++ {
		if dict.Find(od.DevOf(base+uint16(i), 0)) == nil {
			break
		}
		n++
	}
	return n
}
