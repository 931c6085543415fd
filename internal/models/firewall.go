package models

import "time"

// Family selects the iptables (ipv4) or ip6tables (ipv6) binary.
type Family string

const (
	FamilyIPv4 Family = "ipv4"
	FamilyIPv6 Family = "ipv6"
)

type FirewallRule struct {
	Num         int    `json:"num"`
	Target      string `json:"target"`
	Protocol    string `json:"protocol"`
	Opt         string `json:"opt"`
	In          string `json:"in"`
	Out         string `json:"out"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
	Extra       string `json:"extra"`
	Packets     uint64 `json:"packets"`
	Bytes       uint64 `json:"bytes"`
}

type ChainInfo struct {
	Name       string         `json:"name"`
	Policy     string         `json:"policy"`
	Builtin    bool           `json:"builtin"`
	References int            `json:"references"`
	Packets    uint64         `json:"packets"`
	Bytes      uint64         `json:"bytes"`
	Rules      []FirewallRule `json:"rules"`
}

// FirewallRuleInput is a structured rule; it is rendered to a rule spec.
type FirewallRuleInput struct {
	Table         string `json:"table"`
	Chain         string `json:"chain"`
	Position      int    `json:"position,omitempty"`
	Protocol      string `json:"protocol,omitempty"`
	Source        string `json:"source,omitempty"`
	Destination   string `json:"destination,omitempty"`
	InInterface   string `json:"in_interface,omitempty"`
	OutInterface  string `json:"out_interface,omitempty"`
	DPort         string `json:"dport,omitempty"`
	SPort         string `json:"sport,omitempty"`
	Target        string `json:"target"`
	ToDestination string `json:"to_destination,omitempty"`
	ToSource      string `json:"to_source,omitempty"`
	State         string `json:"state,omitempty"`
	Comment       string `json:"comment,omitempty"`
}

// RuleRequest carries an opaque rule spec for append/insert/delete.
type RuleRequest struct {
	Rule     string             `json:"rule"`
	Position int                `json:"position,omitempty"`
	Unique   bool               `json:"unique,omitempty"`
	Replace  bool               `json:"replace,omitempty"`
	All      bool               `json:"all,omitempty"`
	Input    *FirewallRuleInput `json:"input,omitempty"`
}

type BackendStatus struct {
	Family   Family `json:"family"`
	Command  string `json:"command"`
	Version  string `json:"version"`
	Mode     string `json:"mode,omitempty"`
	HasCheck bool   `json:"has_check"`
	HasWait  bool   `json:"has_wait"`
}

type Snapshot struct {
	ID        int64     `json:"id"`
	Family    Family    `json:"family"`
	Table     string    `json:"table,omitempty"`
	Comment   string    `json:"comment"`
	Rules     string    `json:"rules,omitempty"`
	CreatedBy *int64    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
