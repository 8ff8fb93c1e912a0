package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/srg/bleserial/central"
	"github.com/srg/bleserial/internal/runloop"
	"github.com/srg/bleserial/peripheral"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE serial modules",
	Long: `Scan for Bluetooth Low Energy serial modules and display their names,
addresses, signal strength and advertised services.

Only devices advertising the configured serial service (ffe0 by default)
are reported.`,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanVerbose  bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().BoolVar(&scanVerbose, "verbose", false, "Enable debug logging")
}

// deviceRow is one scan result, ready for rendering.
type deviceRow struct {
	Address  string   `json:"address"`
	Name     string   `json:"name"`
	RSSI     int      `json:"rssi"`
	Services []string `json:"services"`
}

// scanCollector accumulates discovery results keyed by address. Rows may be
// called from any goroutine once collection stopped.
type scanCollector struct {
	mu   sync.Mutex
	rows map[string]deviceRow
}

func newScanCollector() *scanCollector {
	return &scanCollector{rows: make(map[string]deviceRow)}
}

// record snapshots a discovered session. The session fields are loop-affine,
// so the snapshot runs on the run loop.
func (c *scanCollector) record(loop *runloop.Loop, s *peripheral.Session) {
	var row deviceRow
	loop.Do(func() {
		row = deviceRow{
			Address:  string(s.ID()),
			Name:     s.Name(),
			RSSI:     s.RSSI(),
			Services: s.AdvertisedServices(),
		}
	})
	c.mu.Lock()
	c.rows[row.Address] = row
	c.mu.Unlock()
}

// collect consumes discovery events until stop is closed, then drains
// whatever the event buffer still holds before returning.
func (c *scanCollector) collect(loop *runloop.Loop, events <-chan central.DeviceEvent, stop <-chan struct{}) {
	for {
		select {
		case ev := <-events:
			c.record(loop, ev.Session)
		case <-stop:
			for {
				select {
				case ev := <-events:
					c.record(loop, ev.Session)
				default:
					return
				}
			}
		}
	}
}

// Rows returns results sorted by descending signal strength.
func (c *scanCollector) Rows() []deviceRow {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]deviceRow, 0, len(c.rows))
	for _, row := range c.rows {
		out = append(out, row)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func runScan(cmd *cobra.Command, args []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated, don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := newApp(cmd, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	collector := newScanCollector()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.collect(a.loop, a.manager.Events(), stop)
	}()

	a.loop.Do(func() {
		if err := a.manager.StartScan(scanDuration); err != nil {
			logger.WithField("error", err).Error("failed to start scan")
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	if scanDuration > 0 {
		select {
		case <-time.After(scanDuration):
		case <-sigChan:
		}
	} else {
		<-sigChan
	}

	a.loop.Do(func() {
		a.manager.StopScan()
	})
	close(stop)
	<-done

	rows := collector.Rows()
	switch scanFormat {
	case "json":
		out, err := formatDeviceJSON(rows)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), out)
	default:
		fmt.Fprint(cmd.OutOrStdout(), formatDeviceTable(rows))
	}
	return nil
}

// formatDeviceTable renders rows as an aligned text table.
func formatDeviceTable(rows []deviceRow) string {
	var sb strings.Builder
	w := tabwriter.NewWriter(&sb, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ADDRESS\tNAME\tRSSI\tSERVICES")
	for _, row := range rows {
		name := row.Name
		if name == "" {
			name = "(unknown)"
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", row.Address, name, row.RSSI, strings.Join(row.Services, ","))
	}
	w.Flush()
	return sb.String()
}

// formatDeviceJSON renders rows as a JSON array.
func formatDeviceJSON(rows []deviceRow) (string, error) {
	if rows == nil {
		rows = []deviceRow{}
	}
	out, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", err
	}
	return string(out), nil
}
