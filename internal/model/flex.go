package model

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

// Agents store booleans and counters in SQLite and serialize them loosely:
// 0/1 for booleans, numbers or numeric strings for counters, and sometimes a
// whole nested document as a JSON string. The types below absorb that.

var null = []byte("null")

// FlexBool decodes true/false, 0/1 and their string forms.
type FlexBool bool

func (b *FlexBool) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*b = false
		return nil
	}
	s := strings.ToLower(strings.Trim(string(data), `"`))
	switch s {
	case "1", "true", "yes", "on":
		*b = true
	case "0", "false", "no", "off", "":
		*b = false
	default:
		return fmt.Errorf("invalid boolean %s", data)
	}
	return nil
}

// FlexInt decodes a number or a numeric string. Non-numeric strings decode as 0.
type FlexInt int64

func (n *FlexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*n = 0
		return nil
	}
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return fmt.Errorf("invalid number %s", data)
	}
	*n = FlexInt(parseLooseInt(strings.Trim(string(data), `"`)))
	return nil
}

func parseLooseInt(s string) int64 {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// FlexString decodes a string, a number or a boolean into its textual form.
type FlexString string

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*s = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		*s = FlexString(str)
		return nil
	}
	if len(data) > 0 && (data[0] == '{' || data[0] == '[') {
		return fmt.Errorf("invalid scalar %s", data)
	}
	*s = FlexString(data)
	return nil
}

func (s FlexString) String() string { return string(s) }

// StringList decodes a list of strings or a JSON string holding one.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*l = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		inner = strings.TrimSpace(inner)
		if inner == "" {
			*l = nil
			return nil
		}
		if !strings.HasPrefix(inner, "[") {
			*l = StringList{inner}
			return nil
		}
		data = []byte(inner)
	}
	var items []string
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	*l = items
	return nil
}

func (u *UsedTraffic) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, null) {
		*u = UsedTraffic{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return err
		}
		if strings.TrimSpace(inner) == "" {
			*u = UsedTraffic{}
			return nil
		}
		data = []byte(inner)
	}
	var raw struct {
		Download FlexInt `json:"download"`
		Upload   FlexInt `json:"upload"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	u.Download = int64(raw.Download)
	u.Upload = int64(raw.Upload)
	return nil
}

// UnmarshalJSON also accepts the legacy "used_trafic" spelling.
func (c *Client) UnmarshalJSON(data []byte) error {
	type clientFields Client
	var fields clientFields
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	var legacy struct {
		UsedTraffic *UsedTraffic `json:"used_trafic"`
	}
	if err := json.Unmarshal(data, &legacy); err != nil {
		return err
	}
	*c = Client(fields)
	if legacy.UsedTraffic != nil && c.UsedTraffic == (UsedTraffic{}) {
		c.UsedTraffic = *legacy.UsedTraffic
	}
	return nil
}
