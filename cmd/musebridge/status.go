package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/srg/musebridge/registry"
)

var (
	onlineColor    = color.New(color.FgGreen)
	offlineColor   = color.New(color.FgHiBlack)
	streamingColor = color.New(color.FgCyan, color.Bold)
)

func statusText(rec registry.DeviceRecord) string {
	switch {
	case rec.Streaming:
		return streamingColor.Sprint("streaming")
	case rec.Status == registry.Online:
		return onlineColor.Sprint(rec.Status.String())
	default:
		return offlineColor.Sprint(rec.Status.String())
	}
}

func formatAge(now, t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	age := now.Sub(t).Round(time.Second)
	if age < time.Second {
		return "now"
	}
	return age.String() + " ago"
}

// writeDeviceTable prints devices in the order they were first seen.
func writeDeviceTable(w io.Writer, records []registry.DeviceRecord, now time.Time) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tADDRESS\tSTATUS\tSTREAM\tLAST SEEN")
	fmt.Fprintln(tw, "----\t-------\t------\t------\t---------")

	for _, rec := range records {
		name := rec.Name
		if name == "" {
			name = "-"
		}
		stream := "-"
		if rec.Streaming {
			stream = fmt.Sprintf("%s (port %d)", rec.StreamName, rec.Port)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", name, rec.MacAddress(), statusText(rec), stream, formatAge(now, rec.LastSeen))
	}
	return tw.Flush()
}

type deviceJSON struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Address   string    `json:"address,omitempty"`
	Status    string    `json:"status"`
	Streaming bool      `json:"streaming"`
	Stream    string    `json:"stream,omitempty"`
	Port      int       `json:"port,omitempty"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func writeDeviceJSON(w io.Writer, records []registry.DeviceRecord) error {
	out := make([]deviceJSON, 0, len(records))
	for _, rec := range records {
		d := deviceJSON{
			ID:        rec.ID,
			Name:      rec.Name,
			Address:   rec.MacAddress(),
			Status:    rec.Status.String(),
			Streaming: rec.Streaming,
			FirstSeen: rec.FirstSeen,
			LastSeen:  rec.LastSeen,
		}
		if rec.Streaming {
			d.Stream = rec.StreamName
			d.Port = rec.Port
		}
		out = append(out, d)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
