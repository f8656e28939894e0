// Copyright (c) 2025 Basalt Security
// Licensed under the MIT License. See LICENSE file in the project root for details.

package models

import (
	"encoding/json"
	"sort"
)

// HostRecord is one host entry in the scanner's terminal results blob
// (the scan_results:{S} key). All fields are optional; the classifier skips
// emissions whose inputs are absent.
type HostRecord struct {
	IPAddress  string          `json:"ip_address"`
	Hostname   string          `json:"hostname"`
	Status     string          `json:"status,omitempty"` // up | down, as reported by the scanner
	OSInfo     *OSInfo         `json:"os_info"`
	Traceroute json.RawMessage `json:"traceroute"`       // Hop list, passed through to findings untouched
	Ports      []PortRecord    `json:"ports"`
}

// Label returns the host identifier used in finding names: the IP address
// when present, the hostname otherwise.
func (h *HostRecord) Label() string {
	if h.IPAddress != "" {
		return h.IPAddress
	}
	return h.Hostname
}

// OSInfo is the scanner's OS detection result for a host.
type OSInfo struct {
	Name     string          `json:"name"`
	Accuracy json.Number     `json:"accuracy,omitempty"`
	Classes  json.RawMessage `json:"classes,omitempty"`
}

// PortRecord is one scanned port on a host.
type PortRecord struct {
	Port     int          `json:"port"`
	Protocol string       `json:"protocol"`
	State    string       `json:"state"`    // open | closed | filtered | unknown
	Service  *ServiceInfo `json:"service"`
	Scripts  ScriptMap    `json:"scripts"`
}

// ServiceInfo describes the service detected behind a port.
type ServiceInfo struct {
	Name      string      `json:"name"`
	Product   string      `json:"product,omitempty"`
	Version   string      `json:"version,omitempty"`
	ExtraInfo string      `json:"extrainfo,omitempty"`
	OSType    string      `json:"ostype,omitempty"`
	Method    string      `json:"method,omitempty"`
	Conf      json.Number `json:"conf,omitempty"`
}

// String renders the service as "name product version" with empty parts omitted.
func (s *ServiceInfo) String() string {
	if s == nil {
		return ""
	}
	out := s.Name
	if s.Product != "" {
		if out != "" {
			out += " "
		}
		out += s.Product
	}
	if s.Version != "" {
		if out != "" {
			out += " "
		}
		out += s.Version
	}
	return out
}

// ScriptMap holds NSE-style script outputs keyed by script id. Scanners emit
// either an object form {"ssl-cert": "..."} or a list form
// [{"id": "ssl-cert", "output": "..."}]; both normalize to the map.
type ScriptMap map[string]string

// SortedIDs returns the script ids in lexical order so that iteration over
// the map is deterministic.
func (m ScriptMap) SortedIDs() []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// UnmarshalJSON accepts the object form, the list form, and null.
func (m *ScriptMap) UnmarshalJSON(data []byte) error {
	*m = ScriptMap{}

	var asObject map[string]string
	if err := json.Unmarshal(data, &asObject); err == nil {
		*m = asObject
		return nil
	}

	var asList []struct {
		ID     string `json:"id"`
		Output string `json:"output"`
	}
	if err := json.Unmarshal(data, &asList); err == nil {
		for _, s := range asList {
			if s.ID != "" {
				(*m)[s.ID] = s.Output
			}
		}
		return nil
	}

	// Unrecognized shape: leave the map empty rather than failing the whole
	// results blob.
	return nil
}
