// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package classifier turns raw scanner host records into finding candidates
// using fixed rule tables. Classification is pure and deterministic: the
// same records always yield the same candidates, and malformed entries skip
// their emissions instead of failing the batch.
package classifier

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/basaltsec/recon/backend/internal/models"
)

// maxDescriptionLen matches the findings.description column limit.
const maxDescriptionLen = 1024

// Candidate is a classified observation not yet bound to a target row. The
// watcher resolves IPAddress/Hostname against the scan's targets and fills
// in the remaining Finding columns on insert.
type Candidate struct {
	IPAddress      string
	Hostname       string
	Name           string
	Description    string
	Recommendation string
	Severity       models.Severity
	Port           *int
	PortState      models.PortState
	Protocol       string
	Service        string
	OS             json.RawMessage
	Traceroute     json.RawMessage
}

// Classify derives finding candidates from scanner host records.
//
// Per host (labelled by IP address, else hostname) it emits: one OS finding
// when OS detection ran, one traceroute finding when a trace is present, one
// finding per open or closed port (filtered and unknown ports are skipped),
// and one finding per NSE script attached to a kept port.
func Classify(hosts []models.HostRecord) []Candidate {
	return classifyAt(hosts, time.Now())
}

func classifyAt(hosts []models.HostRecord, now time.Time) []Candidate {
	var out []Candidate
	for i := range hosts {
		out = append(out, classifyHost(&hosts[i], now)...)
	}
	return out
}

func classifyHost(h *models.HostRecord, now time.Time) []Candidate {
	label := h.Label()
	if label == "" {
		return nil
	}

	var out []Candidate

	if h.OSInfo != nil && h.OSInfo.Name != "" {
		out = append(out, osCandidate(h, label))
	}
	if len(h.Traceroute) > 0 && string(h.Traceroute) != "null" {
		out = append(out, tracerouteCandidate(h, label))
	}

	for i := range h.Ports {
		port := &h.Ports[i]
		state := models.PortState(port.State)
		if state != models.PortStateOpen && state != models.PortStateClosed {
			continue
		}
		out = append(out, portCandidate(h, label, port, state))
		for _, id := range port.Scripts.SortedIDs() {
			out = append(out, scriptCandidate(h, label, port, state, id, port.Scripts[id], now))
		}
	}
	return out
}

func osCandidate(h *models.HostRecord, label string) Candidate {
	c := Candidate{
		IPAddress: h.IPAddress,
		Hostname:  h.Hostname,
		Name:      label + "-OS",
	}
	if osOutdated(h.OSInfo.Name) {
		c.Severity = models.SeverityHigh
		c.Recommendation = "Operating system is end-of-life; upgrade to a supported release."
	} else {
		c.Severity = models.SeverityInfo
		c.Recommendation = "Informational. Operating system detected."
	}
	desc := fmt.Sprintf("Detected operating system: %s", h.OSInfo.Name)
	if h.OSInfo.Accuracy != "" {
		desc += fmt.Sprintf(" (accuracy %s%%)", h.OSInfo.Accuracy)
	}
	c.Description = truncate(desc)
	if payload, err := json.Marshal(h.OSInfo); err == nil {
		c.OS = payload
	}
	return c
}

func tracerouteCandidate(h *models.HostRecord, label string) Candidate {
	return Candidate{
		IPAddress:      h.IPAddress,
		Hostname:       h.Hostname,
		Name:           label + "-Traceroute",
		Severity:       models.SeverityInfo,
		Description:    "Network path to the host as observed by the scanner.",
		Recommendation: "Informational. Review the route for unexpected intermediaries.",
		Traceroute:     h.Traceroute,
	}
}

func portCandidate(h *models.HostRecord, label string, port *models.PortRecord, state models.PortState) Candidate {
	rule := closedPortRule
	if state == models.PortStateOpen {
		var ok bool
		if rule, ok = portRules[port.Port]; !ok {
			rule = unknownOpenPortRule
		}
	}

	desc := fmt.Sprintf("Port %d/%s is %s.", port.Port, port.Protocol, state)
	service := port.Service.String()
	if state == models.PortStateOpen && service != "" {
		desc += fmt.Sprintf(" Detected service: %s.", service)
	}

	portNo := port.Port
	return Candidate{
		IPAddress:      h.IPAddress,
		Hostname:       h.Hostname,
		Name:           fmt.Sprintf("%s-%d/%s", label, port.Port, port.Protocol),
		Severity:       rule.Severity,
		Description:    truncate(desc),
		Recommendation: rule.Recommendation,
		Port:           &portNo,
		PortState:      state,
		Protocol:       port.Protocol,
		Service:        service,
	}
}

func scriptCandidate(h *models.HostRecord, label string, port *models.PortRecord, state models.PortState, id, output string, now time.Time) Candidate {
	rule, ok := scriptRules[id]
	if !ok {
		rule = unknownScriptRule
	}
	verdict := rule(output, now)

	portNo := port.Port
	return Candidate{
		IPAddress:      h.IPAddress,
		Hostname:       h.Hostname,
		Name:           fmt.Sprintf("%s-%d/%s-%s", label, port.Port, port.Protocol, id),
		Severity:       verdict.Severity,
		Description:    truncate(verdict.Description),
		Recommendation: verdict.Recommendation,
		Port:           &portNo,
		PortState:      state,
		Protocol:       port.Protocol,
		Service:        port.Service.String(),
	}
}

// truncate caps s at the description column limit, counting characters the
// way the database does.
func truncate(s string) string {
	if len(s) <= maxDescriptionLen {
		return s
	}
	runes := []rune(s)
	if len(runes) <= maxDescriptionLen {
		return s
	}
	return string(runes[:maxDescriptionLen])
}
