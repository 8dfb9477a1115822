package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/addrummond/imask/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validConfig = `
ListenAddr = "127.0.0.1:1100"
StrictCRLF = false

[Accounts.alice]
Password = "sesame"
Mailboxes = ["INBOX", "Lists"]
PollInterval = "5m"
MaxAgeDays = 30

  [Accounts.alice.IMAP]
  Host = "imap.example.org"
  UseTLS = true
  User = "alice@example.org"
  Password = "hunter2"

[Accounts.bob]
Password = "letmein"

  [Accounts.bob.IMAP]
  Host = "imap.example.org"
  User = "bob@example.org"
  Password = "hunter3"
`

// writeConfig dumps the supplied TOML text into a file
// inside a test-scoped temporary directory.
func writeConfig(t *testing.T, text string) string {

	t.Helper()

	path := filepath.Join(t.TempDir(), "imask.toml")
	if err := os.WriteFile(path, []byte(text), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	return path
}

func TestLoadConfig(t *testing.T) {

	conf, err := config.LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	alice := conf.Accounts["alice"]
	assert.Equal(t, []string{"INBOX", "Lists"}, alice.Mailboxes)
	assert.Equal(t, 5*time.Minute, alice.PollEvery)
	assert.Equal(t, uint16(993), alice.IMAP.Port)
	assert.Equal(t, "imap.example.org:993", alice.IMAP.Addr())

	// bob relies entirely on defaults.
	bob := conf.Accounts["bob"]
	assert.Equal(t, []string{"INBOX"}, bob.Mailboxes)
	assert.Equal(t, 15*time.Minute, bob.PollEvery)
	assert.Equal(t, uint16(143), bob.IMAP.Port)
}

var invalidConfigTests = []struct {
	name string
	text string
}{
	{
		"no listen address",
		`[Accounts.a]
Password = "x"
  [Accounts.a.IMAP]
  Host = "h"
  User = "u"`,
	},
	{
		"no accounts",
		`ListenAddr = ":1100"`,
	},
	{
		"empty POP3 password",
		`ListenAddr = ":1100"
[Accounts.a]
  [Accounts.a.IMAP]
  Host = "h"
  User = "u"`,
	},
	{
		"missing IMAP host",
		`ListenAddr = ":1100"
[Accounts.a]
Password = "x"
  [Accounts.a.IMAP]
  User = "u"`,
	},
	{
		"bad poll interval",
		`ListenAddr = ":1100"
[Accounts.a]
Password = "x"
PollInterval = "every full moon"
  [Accounts.a.IMAP]
  Host = "h"
  User = "u"`,
	},
	{
		"incomplete TLS section",
		`ListenAddr = ":1100"
[TLS]
CertLoc = "cert.pem"
[Accounts.a]
Password = "x"
  [Accounts.a.IMAP]
  Host = "h"
  User = "u"`,
	},
}

func TestLoadConfigInvalid(t *testing.T) {

	for _, tt := range invalidConfigTests {

		_, err := config.LoadConfig(writeConfig(t, tt.text))
		assert.Error(t, err, "expected config error for case '%s'", tt.name)
	}
}

// Two accounts mapping onto the same (IMAP user, IMAP host)
// pair have to be rejected before any poller runs.
func TestLoadConfigDuplicateIMAPAccount(t *testing.T) {

	text := `
ListenAddr = ":1100"

[Accounts.one]
Password = "x"
  [Accounts.one.IMAP]
  Host = "imap.example.org"
  User = "shared@example.org"

[Accounts.two]
Password = "y"
  [Accounts.two.IMAP]
  Host = "imap.example.org"
  User = "shared@example.org"
`

	_, err := config.LoadConfig(writeConfig(t, text))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "shared@example.org")
}
