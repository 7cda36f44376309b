package model

// DashboardSnapshot is the dashboard payload of one agent, cached verbatim.
type DashboardSnapshot struct {
	CPU          string     `json:"cpu"`
	Mem          MemStats   `json:"mem"`
	ClientsCount FlexInt    `json:"clients_count"`
	Status       FlexString `json:"status"`
	Alert        StringList `json:"alert"`
	Bandwidth    FlexString `json:"bandwidth"`
	Uptime       FlexString `json:"uptime"`
	Net          NetStats   `json:"net"`
}

type MemStats struct {
	Total     string `json:"total"`
	Available string `json:"available"`
	Usage     string `json:"usage"`
}

type NetStats struct {
	Download string `json:"download"`
	Upload   string `json:"upload"`
}

// Clone returns a deep copy, so cache readers can never mutate a cached snapshot.
func (d *DashboardSnapshot) Clone() *DashboardSnapshot {
	if d == nil {
		return nil
	}
	c := *d
	if d.Alert != nil {
		c.Alert = append(StringList(nil), d.Alert...)
	}
	return &c
}

// UsedTraffic is the byte counter pair reported for one client.
type UsedTraffic struct {
	Download int64 `json:"download"`
	Upload   int64 `json:"upload"`
}

// Client is a VPN peer as reported by its owning agent.
type Client struct {
	Name         string      `json:"name"`
	WG           FlexInt     `json:"wg"`
	PublicKey    string      `json:"public_key"`
	PrivateKey   string      `json:"private_key,omitempty"`
	Address      string      `json:"address"`
	CreatedAt    string      `json:"created_at"`
	Expires      string      `json:"expires"`
	Note         string      `json:"note"`
	Traffic      FlexString  `json:"traffic"`
	UsedTraffic  UsedTraffic `json:"used_traffic"`
	ConnectedNow FlexBool    `json:"connected_now"`
	Status       FlexBool    `json:"status"`
}

// Redacted returns a copy without the private key.
func (c Client) Redacted() Client {
	c.PrivateKey = ""
	return c
}

// Interface is one WireGuard interface on a server.
type Interface struct {
	WG           FlexInt  `json:"wg"`
	AddressRange string   `json:"address_range"`
	Port         FlexInt  `json:"port"`
	PublicKey    string   `json:"public_key"`
	PrivateKey   string   `json:"private_key,omitempty"`
	Status       FlexBool `json:"status"`
}

func (i Interface) Redacted() Interface {
	i.PrivateKey = ""
	return i
}
