package inventory

import (
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type Inventory struct {
	Entries []Entry `yaml:"devices"`
}

type Entry struct {
	Alias    string    `yaml:"alias"`
	Address  string    `yaml:"address"`
	Platform string    `yaml:"platform"`
	Format   string    `yaml:"format"`
	Deploy   bool      `yaml:"deploy"`
	SSH      SSHConfig `yaml:"ssh"`
}

type SSHConfig struct {
	User string     `yaml:"user"`
	Auth AuthConfig `yaml:"auth"`
}

type AuthConfig struct {
	Mode         string `yaml:"mode"`          // password_env | password | password_file
	PasswordEnv  string `yaml:"password_env"`  // e.g. SSH_PASS_UBUNTU1
	Password     string `yaml:"password"`      // inline, lab use only
	PasswordFile string `yaml:"password_file"` // first line is used
}

const (
	AuthPasswordEnv  = "password_env"
	AuthPassword     = "password"
	AuthPasswordFile = "password_file"
)

func Load(path string) (*Inventory, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read inventory")
	}
	return Parse(b)
}

func Parse(b []byte) (*Inventory, error) {
	var inv Inventory
	if err := yaml.Unmarshal(b, &inv); err != nil {
		return nil, errors.Wrap(err, "yaml unmarshal")
	}

	// normalize defaults
	for i := range inv.Entries {
		e := &inv.Entries[i]
		e.Alias = strings.TrimSpace(e.Alias)
		e.Address = strings.TrimSpace(e.Address)
		if e.Alias == "" {
			e.Alias = e.Address
		}
		e.Platform = strings.ToLower(strings.TrimSpace(e.Platform))
		if e.Platform == "" {
			e.Platform = string(Ubuntu)
		}
		e.Format = strings.ToUpper(strings.TrimSpace(e.Format))
		if e.Format == "" {
			e.Format = string(TAR)
		}
		if e.SSH.User == "" {
			e.SSH.User = "root"
		}
		if e.SSH.Auth.Mode == "" {
			e.SSH.Auth.Mode = AuthPasswordEnv
		}
	}

	return &inv, nil
}

// PasswordFunc supplies a password for an entry whose auth source is empty.
type PasswordFunc func(e Entry) (string, error)

// Devices resolves every entry into a Device with concrete credentials.
// Entries are validated; the first failure is returned with the entry alias.
func (inv *Inventory) Devices() ([]Device, error) {
	return inv.DevicesWithPrompt(nil)
}

// DevicesWithPrompt is Devices, except that entries missing a password ask
// prompt for one. Entries not flagged for deployment are never prompted for.
func (inv *Inventory) DevicesWithPrompt(prompt PasswordFunc) ([]Device, error) {
	out := make([]Device, 0, len(inv.Entries))
	seen := make(map[string]bool, len(inv.Entries))
	for _, e := range inv.Entries {
		// one host, one worker per stage; results are keyed by address
		addr := strings.ToLower(e.Address)
		if seen[addr] {
			return nil, errors.Errorf("device %q: duplicate address %s", e.Alias, e.Address)
		}
		seen[addr] = true

		password, err := e.SSH.Auth.resolve()
		if errors.Is(err, ErrMissingPassword) && prompt != nil && e.Deploy {
			password, err = prompt(e)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "device %q", e.Alias)
		}
		d := Device{
			Alias:    e.Alias,
			Address:  e.Address,
			User:     e.SSH.User,
			Password: password,
			Platform: Platform(e.Platform),
			Format:   ArchiveFormat(e.Format),
			Deploy:   e.Deploy,
		}
		if err := d.Validate(); err != nil {
			return nil, errors.Wrapf(err, "device %q", e.Alias)
		}
		out = append(out, d)
	}
	return out, nil
}

// ErrMissingPassword is returned when an entry's auth source yields nothing.
var ErrMissingPassword = errors.New("missing password")

func (a AuthConfig) resolve() (string, error) {
	switch a.Mode {
	case AuthPasswordEnv:
		if a.PasswordEnv == "" {
			return "", errors.New("missing password_env in inventory")
		}
		v := os.Getenv(a.PasswordEnv)
		if v == "" {
			return "", errors.Wrapf(ErrMissingPassword, "empty env var %s", a.PasswordEnv)
		}
		return v, nil
	case AuthPassword:
		if a.Password == "" {
			return "", ErrMissingPassword
		}
		return a.Password, nil
	case AuthPasswordFile:
		b, err := os.ReadFile(a.PasswordFile)
		if err != nil {
			return "", errors.Wrap(err, "read password file")
		}
		line, _, _ := strings.Cut(string(b), "\n")
		line = strings.TrimSpace(line)
		if line == "" {
			return "", errors.Wrapf(ErrMissingPassword, "empty password file %s", a.PasswordFile)
		}
		return line, nil
	default:
		return "", errors.Errorf("unsupported auth mode: %s", a.Mode)
	}
}
