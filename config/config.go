package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
)

// Structs

// Config holds all information parsed from
// supplied config file.
type Config struct {
	ListenAddr     string
	PrometheusAddr string
	StrictCRLF     bool
	StateDir       string
	TLS            *TLS
	Accounts       map[string]Account
}

// TLS points at the certificate and key presented to
// POP3 clients. When the section is absent, imask
// listens in plaintext.
type TLS struct {
	CertLoc string
	KeyLoc  string
}

// Account describes one POP3 mailbox imask serves and the
// IMAP account it is backed by. The map key in
// Config.Accounts is the POP3 username.
type Account struct {
	Password     string
	Mailboxes    []string
	PollInterval string
	MaxAgeDays   int
	IMAP         IMAPAccount

	// PollEvery is PollInterval parsed into a duration
	// during validation.
	PollEvery time.Duration `toml:"-"`
}

// IMAPAccount carries the connection parameters for the
// IMAP server backing an account.
type IMAPAccount struct {
	Host     string
	Port     uint16
	UseTLS   bool
	User     string
	Password string
	ReadOnly bool
}

// Functions

// Addr returns the host:port the poller dials.
func (i IMAPAccount) Addr() string {
	return fmt.Sprintf("%s:%d", i.Host, i.Port)
}

// LoadConfig takes in the path to the main config file
// of imask in TOML syntax, places the values from the
// file in the corresponding struct and validates them.
func LoadConfig(configFile string) (*Config, error) {

	conf := new(Config)

	// Parse values from TOML file into struct.
	_, err := toml.DecodeFile(configFile, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to read in TOML config file at '%s' with: %v", configFile, err)
	}

	if err := conf.Validate(); err != nil {
		return nil, err
	}

	return conf, nil
}

// Validate checks the invariants imask relies on before any
// network I/O takes place and fills in defaults for optional
// per-account values.
func (conf *Config) Validate() error {

	if conf.ListenAddr == "" {
		return fmt.Errorf("no POP3 listen address configured")
	}

	if conf.TLS != nil && (conf.TLS.CertLoc == "" || conf.TLS.KeyLoc == "") {
		return fmt.Errorf("TLS section requires both CertLoc and KeyLoc")
	}

	if len(conf.Accounts) == 0 {
		return fmt.Errorf("no accounts configured")
	}

	// No two accounts may resolve to the same IMAP
	// mailbox on the same host.
	imapSeen := make(map[string]string)

	for id, acct := range conf.Accounts {

		if acct.Password == "" {
			return fmt.Errorf("account '%s': empty POP3 password", id)
		}

		if acct.IMAP.Host == "" || acct.IMAP.User == "" {
			return fmt.Errorf("account '%s': IMAP host and user are required", id)
		}

		if acct.IMAP.Port == 0 {
			if acct.IMAP.UseTLS {
				acct.IMAP.Port = 993
			} else {
				acct.IMAP.Port = 143
			}
		}

		if len(acct.Mailboxes) == 0 {
			acct.Mailboxes = []string{"INBOX"}
		}

		if acct.PollInterval == "" {
			acct.PollEvery = 15 * time.Minute
		} else {
			every, err := time.ParseDuration(acct.PollInterval)
			if err != nil {
				return fmt.Errorf("account '%s': invalid poll interval '%s': %v", id, acct.PollInterval, err)
			}
			if every <= 0 {
				return fmt.Errorf("account '%s': poll interval must be positive", id)
			}
			acct.PollEvery = every
		}

		if acct.MaxAgeDays < 0 {
			return fmt.Errorf("account '%s': message age limit cannot be negative", id)
		}

		key := acct.IMAP.User + "@" + acct.IMAP.Host
		if other, ok := imapSeen[key]; ok {
			return fmt.Errorf("accounts '%s' and '%s' both map to IMAP account %s", other, id, key)
		}
		imapSeen[key] = id

		// Assign account config back to main config.
		conf.Accounts[id] = acct
	}

	return nil
}
