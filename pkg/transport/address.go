package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strconv"

	"gopkg.in/yaml.v3"
)

const addressLogPrefix = "transport:address"

// Default ports.
const (
	DefaultTCPPort   = 7000
	DefaultHTTPPort  = 8000
	DefaultWSPort    = 9000
	DefaultVSockPort = 6000
	DefaultNATSPort  = 4222
	DefaultHost      = "127.0.0.1"
)

// Address locates a server for one transport. Fields irrelevant to the
// transport are left empty.
type Address struct {
	Type    Transport `json:"type" yaml:"type"`
	Host    string    `json:"host,omitempty" yaml:"host,omitempty"`
	Port    int       `json:"port,omitempty" yaml:"port,omitempty"`
	Path    string    `json:"path,omitempty" yaml:"path,omitempty"`
	Command string    `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string  `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd     string    `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	JWT     string    `json:"jwt,omitempty" yaml:"jwt,omitempty"`

	// Handler is the in-process server of a direct address.
	Handler Handler `json:"-" yaml:"-"`
}

// ParseAddress parses the canonical URL form scheme://host[:port][/path].
// For stdio the host and path form the command and the query's arg values its arguments.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("%s - failed to parse address %q: %w", addressLogPrefix, s, err)
	}
	scheme := u.Scheme
	if scheme == "wss" {
		scheme = "ws"
	}
	if scheme == "https" {
		scheme = "http"
	}
	t, err := Parse(scheme)
	if err != nil {
		return Address{}, err
	}

	a := Address{Type: t, Host: u.Hostname(), Path: u.Path, JWT: u.Query().Get("jwt")}
	if p := u.Port(); p != "" {
		a.Port, err = strconv.Atoi(p)
		if err != nil {
			return Address{}, fmt.Errorf("%s - invalid port in %q: %w", addressLogPrefix, s, err)
		}
	}

	switch t {
	case Stdio:
		a.Command = u.Host + u.Path
		a.Host, a.Path = "", ""
		a.Args = u.Query()["arg"]
		a.Cwd = u.Query().Get("cwd")
	case Pipe, UDS:
		a.Path = u.Host + u.Path
		a.Host = ""
	case VSock:
		a.Host = ""
		if a.Port == 0 {
			a.Port = DefaultVSockPort
		}
	}
	return a.WithDefaults(), nil
}

// WithDefaults fills host and port defaults for network transports.
func (a Address) WithDefaults() Address {
	switch a.Type {
	case TCP, HTTP, WS, NATS:
		if a.Host == "" {
			a.Host = DefaultHost
		}
	}
	if a.Port == 0 {
		switch a.Type {
		case TCP:
			a.Port = DefaultTCPPort
		case HTTP:
			a.Port = DefaultHTTPPort
		case WS:
			a.Port = DefaultWSPort
		case NATS:
			a.Port = DefaultNATSPort
		}
	}
	return a
}

// HostPort returns host:port for network transports.
func (a Address) HostPort() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(a.Port))
}

// URL renders the canonical URL form.
func (a Address) URL() string {
	switch a.Type {
	case Direct:
		return "direct://"
	case Stdio:
		q := url.Values{}
		for _, arg := range a.Args {
			q.Add("arg", arg)
		}
		if a.Cwd != "" {
			q.Set("cwd", a.Cwd)
		}
		if len(q) == 0 {
			return "stdio://" + a.Command
		}
		return "stdio://" + a.Command + "?" + q.Encode()
	case Pipe, UDS:
		return string(a.Type) + "://" + a.Path
	case VSock:
		return fmt.Sprintf("vsock://%d%s", a.Port, a.Path)
	}
	u := url.URL{Scheme: string(a.Type), Host: a.HostPort(), Path: a.Path}
	return u.String()
}

func (a Address) String() string {
	return a.URL()
}

// Addresses maps each transport to the addresses a manifest advertises for it.
type Addresses map[Transport][]Address

// Has reports whether at least one address is advertised for t.
func (as Addresses) Has(t Transport) bool {
	return len(as[t]) > 0
}

// First returns the first address for t.
func (as Addresses) First(t Transport) (Address, bool) {
	if !as.Has(t) {
		return Address{}, false
	}
	return as[t][0], true
}

// Add appends addr under its transport.
func (as Addresses) Add(addr Address) {
	as[addr.Type] = append(as[addr.Type], addr)
}

// UnmarshalJSON accepts, per transport, a single address or a list, each
// either an object or a URL string.
func (as *Addresses) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%s - addresses must be an object: %w", addressLogPrefix, err)
	}
	out := make(Addresses, len(raw))
	for key, value := range raw {
		t, err := Parse(key)
		if err != nil {
			return err
		}
		value = bytes.TrimSpace(value)
		var items []json.RawMessage
		if len(value) > 0 && value[0] == '[' {
			if err := json.Unmarshal(value, &items); err != nil {
				return fmt.Errorf("%s - invalid %s address list: %w", addressLogPrefix, t, err)
			}
		} else {
			items = []json.RawMessage{value}
		}
		for _, item := range items {
			addr, err := decodeAddress(t, item)
			if err != nil {
				return err
			}
			out[t] = append(out[t], addr)
		}
	}
	*as = out
	return nil
}

// UnmarshalYAML decodes addresses written in a YAML manifest.
func (as *Addresses) UnmarshalYAML(value *yaml.Node) error {
	var v any
	if err := value.Decode(&v); err != nil {
		return fmt.Errorf("%s - invalid yaml addresses: %w", addressLogPrefix, err)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%s - yaml addresses are not representable as JSON: %w", addressLogPrefix, err)
	}
	return as.UnmarshalJSON(raw)
}

func decodeAddress(t Transport, raw json.RawMessage) (Address, error) {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Address{}, fmt.Errorf("%s - invalid %s address: %w", addressLogPrefix, t, err)
		}
		addr, err := ParseAddress(s)
		if err != nil {
			return Address{}, err
		}
		if addr.Type != t {
			return Address{}, fmt.Errorf("%s - address %q listed under %s", addressLogPrefix, s, t)
		}
		return addr, nil
	}
	var addr Address
	if err := json.Unmarshal(raw, &addr); err != nil {
		return Address{}, fmt.Errorf("%s - invalid %s address: %w", addressLogPrefix, t, err)
	}
	addr.Type = t
	return addr.WithDefaults(), nil
}
