package sos

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"rapid/sos-relay/internal/model"
)

const (
	unknownSender   = "Unknown User"
	timestampLayout = "2006-01-02 15:04:05 MST"
)

func senderName(p *model.Profile) string {
	if p == nil || strings.TrimSpace(p.Name) == "" {
		return unknownSender
	}
	return strings.TrimSpace(p.Name)
}

// formatMessage wraps the user's text with who, when and where.
func formatMessage(message, sender string, at time.Time, loc *model.Location) string {
	var b strings.Builder
	b.WriteString("EMERGENCY ALERT\n")
	fmt.Fprintf(&b, "From: %s\n", sender)
	fmt.Fprintf(&b, "Time: %s\n\n", at.Format(timestampLayout))
	b.WriteString(strings.TrimSpace(message))
	b.WriteString("\n\n")
	b.WriteString(locationLine(loc))
	b.WriteString("\n\nThis is an automated emergency message from RAPID Crisis Compass.")
	return b.String()
}

func locationLine(loc *model.Location) string {
	if loc == nil {
		return "Location: Unable to determine"
	}
	return "Location: " + MapsLink(*loc)
}

// MapsLink renders loc as a map URL that opens on any phone.
func MapsLink(loc model.Location) string {
	lat := strconv.FormatFloat(loc.Latitude, 'f', 6, 64)
	lon := strconv.FormatFloat(loc.Longitude, 'f', 6, 64)
	return "https://maps.google.com/?q=" + lat + "," + lon
}
