package qbus

import (
	"bytes"
	"encoding/json"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/jabolina/qbus/types"
)

// Config is the process configuration tree: the contents of
// ./{name}.json, if present, with command-line arguments merged over
// it. Typed getters insert their default when the key is absent so the
// merged document can be persisted back to disk once initialisation
// finishes, leaving a complete config file behind for the next run.
type Config struct {
	mu   sync.Mutex
	path string
	tree *Udc
}

// LoadConfig reads path into a config tree. A missing file is not an
// error, it just yields an empty tree that will be created on Save.
func LoadConfig(path string) (*Config, error) {
	c := &Config{path: path, tree: Node()}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	tree := &types.Udc{}
	if err := tree.UnmarshalJSON(data); err != nil {
		return nil, NewError(KindMalformed, "config %s: %v", path, err)
	}
	c.tree = tree
	return c, nil
}

// String returns the string value under key, inserting def if absent.
func (c *Config) String(key, def string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tree.Get(key); ok {
		if s, ok := v.StringValue(); ok {
			return s
		}
	}
	c.tree.Set(key, String(def))
	return def
}

// Int returns the integer value under key, inserting def if absent.
func (c *Config) Int(key string, def int64) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tree.Get(key); ok {
		if n, ok := v.IntValue(); ok {
			return n
		}
	}
	c.tree.Set(key, Int(def))
	return def
}

// Float returns the float value under key, inserting def if absent. An
// integer already stored under key is widened rather than replaced.
func (c *Config) Float(key string, def float64) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tree.Get(key); ok {
		if f, ok := v.FloatValue(); ok {
			return f
		}
		if n, ok := v.IntValue(); ok {
			return float64(n)
		}
	}
	c.tree.Set(key, Float(def))
	return def
}

// Bool returns the boolean value under key, inserting def if absent.
func (c *Config) Bool(key string, def bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok := c.tree.Get(key); ok {
		if b, ok := v.BoolValue(); ok {
			return b
		}
	}
	c.tree.Set(key, Bool(def))
	return def
}

// Set stores an arbitrary value under key.
func (c *Config) Set(key string, v *Udc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tree.Set(key, v)
}

// Get reads the raw value under key.
func (c *Config) Get(key string) (*Udc, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tree.Get(key)
}

// Save writes the merged tree back to the file it was loaded from,
// indented so it stays hand-editable.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := c.tree.MarshalJSON()
	if err != nil {
		return NewError(KindEncode, "config %s: %v", c.path, err)
	}
	var out bytes.Buffer
	if err := json.Indent(&out, data, "", "  "); err != nil {
		return err
	}
	out.WriteByte('\n')
	return os.WriteFile(c.path, out.Bytes(), 0644)
}

// Endpoint is one bind or remote endpoint record: a TCP socket
// (type "socket", host+port) or a local socket (type "pipe",
// name+path).
type Endpoint struct {
	Type string
	Host string
	Port int
	Name string
	Path string
}

// Addr renders the endpoint as a dial/listen address for its network.
func (e Endpoint) Addr() string {
	if e.Type == EndpointPipe {
		return e.Path
	}
	return e.Host + ":" + strconv.Itoa(e.Port)
}

// Network is the net package network name for the endpoint.
func (e Endpoint) Network() string {
	if e.Type == EndpointPipe {
		return "unix"
	}
	return "tcp"
}

const (
	EndpointSocket = "socket"
	EndpointPipe   = "pipe"
)

// Endpoints decodes the endpoint list stored under listKey ("bind" or
// "remote"). Malformed entries are skipped rather than failing the
// whole list.
func (c *Config) Endpoints(listKey string) []Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()

	v, ok := c.tree.Get(listKey)
	if !ok {
		return nil
	}
	items, ok := v.ListValue()
	if !ok {
		return nil
	}

	var eps []Endpoint
	for _, item := range items {
		var ep Endpoint
		if t, ok := item.Get("type"); ok {
			ep.Type, _ = t.StringValue()
		}
		switch ep.Type {
		case EndpointSocket:
			if h, ok := item.Get("host"); ok {
				ep.Host, _ = h.StringValue()
			}
			if p, ok := item.Get("port"); ok {
				if n, ok := p.IntValue(); ok {
					ep.Port = int(n)
				}
			}
			// Port 0 stays valid: a bind endpoint may ask for an
			// ephemeral port.
			if ep.Host == "" {
				continue
			}
		case EndpointPipe:
			if n, ok := item.Get("name"); ok {
				ep.Name, _ = n.StringValue()
			}
			if p, ok := item.Get("path"); ok {
				ep.Path, _ = p.StringValue()
			}
			if ep.Path == "" {
				continue
			}
		default:
			continue
		}
		eps = append(eps, ep)
	}
	return eps
}

func (c *Config) appendEndpoint(listKey string, ep Endpoint) {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := Node().Set("type", String(ep.Type))
	if ep.Type == EndpointPipe {
		record.Set("name", String(ep.Name)).Set("path", String(ep.Path))
	} else {
		record.Set("host", String(ep.Host)).Set("port", Int(int64(ep.Port)))
	}

	list, ok := c.tree.Get(listKey)
	if !ok {
		list = List()
		c.tree.Set(listKey, list)
	}
	list.Append(record)
}

// parseHostPort turns a "HOST:PORT" flag value into a socket endpoint.
func parseHostPort(s string) (Endpoint, error) {
	idx := strings.LastIndex(s, ":")
	if idx <= 0 || idx == len(s)-1 {
		return Endpoint{}, NewError(KindMissingParam, "endpoint [%s] is not HOST:PORT", s)
	}
	port, err := strconv.Atoi(s[idx+1:])
	if err != nil {
		return Endpoint{}, NewError(KindMissingParam, "endpoint [%s] has a non-numeric port", s)
	}
	return Endpoint{Type: EndpointSocket, Host: s[:idx], Port: port}, nil
}

// mergeArgs folds command-line arguments over the loaded tree: -b and
// -d append bind/remote socket endpoints, -l sets the log file, and
// any other -k v pair sets a plain string key.
func (c *Config) mergeArgs(argv []string) error {
	for i := 0; i < len(argv); i++ {
		arg := argv[i]
		if !strings.HasPrefix(arg, "-") {
			return NewError(KindMissingParam, "unexpected argument [%s]", arg)
		}
		if i+1 >= len(argv) {
			return NewError(KindMissingParam, "flag [%s] is missing its value", arg)
		}
		value := argv[i+1]
		i++

		switch arg {
		case "-b", "-d":
			ep, err := parseHostPort(value)
			if err != nil {
				return err
			}
			if arg == "-b" {
				c.appendEndpoint("bind", ep)
			} else {
				c.appendEndpoint("remote", ep)
			}
		case "-l":
			c.Set("log", String(value))
		default:
			c.Set(strings.TrimLeft(arg, "-"), String(value))
		}
	}
	return nil
}
