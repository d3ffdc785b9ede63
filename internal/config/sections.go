package config

import (
	"crypto/sha256"
	"encoding/json"
	"reflect"
)

// Top-level section names, as they appear in the YAML document.
const (
	SectionLogging = "logging"
	SectionAdmin   = "admin"
	SectionMetrics = "metrics"
	SectionAudit   = "audit"
	SectionTracing = "tracing"
	SectionPool    = "pool"
	SectionProbe   = "probe"
	SectionSource  = "source"
	SectionServers = "servers"
)

// ChangedSections returns the names of the top-level sections that differ
// between prev and next, in document order. A nil prev reports every
// section.
func ChangedSections(prev, next *Config) []string {
	if next == nil {
		return nil
	}
	if prev == nil {
		prev = &Config{}
	}
	sections := []struct {
		name       string
		prev, next interface{}
	}{
		{SectionLogging, prev.Logging, next.Logging},
		{SectionAdmin, prev.Admin, next.Admin},
		{SectionMetrics, prev.Metrics, next.Metrics},
		{SectionAudit, prev.Audit, next.Audit},
		{SectionTracing, prev.Tracing, next.Tracing},
		{SectionPool, prev.Pool, next.Pool},
		{SectionProbe, prev.Probe, next.Probe},
		{SectionSource, prev.Source, next.Source},
		{SectionServers, prev.Servers, next.Servers},
	}

	var changed []string
	for _, s := range sections {
		if SectionChanged(s.prev, s.next) {
			changed = append(changed, s.name)
		}
	}
	return changed
}

// SectionChanged compares two configuration sections by SHA-256 of their
// JSON form, falling back to reflect.DeepEqual when either cannot be
// marshaled.
func SectionChanged(prev, next interface{}) bool {
	prevHash, prevOK := sectionHash(prev)
	nextHash, nextOK := sectionHash(next)
	if prevOK && nextOK {
		return prevHash != nextHash
	}
	return !reflect.DeepEqual(prev, next)
}

func sectionHash(v interface{}) ([sha256.Size]byte, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return [sha256.Size]byte{}, false
	}
	return sha256.Sum256(data), true
}
