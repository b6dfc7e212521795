// Command idmauth is a terminal driver for the authentication SDK: it
// loads a property map, runs one authentication attempt against the
// configured server and prints the resulting session. Challenges are
// answered interactively on stdin, which makes it handy for poking at a
// test identity provider.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/openidm/mobileauth/pkg/auth"
	"github.com/openidm/mobileauth/pkg/credstore"
	"github.com/openidm/mobileauth/pkg/cryptox"
	"github.com/openidm/mobileauth/pkg/keystore"
	"github.com/openidm/mobileauth/pkg/slogx"
)

func main() {
	var (
		configPath = flag.String("config", "idmauth.json", "path to the JSON property map")
		dataDir    = flag.String("data", defaultDataDir(), "directory for the credential store and key stores")
		username   = flag.String("user", "", "pre-supply the username, skipping the prompt")
		password   = flag.String("pass", "", "pre-supply the password, skipping the prompt")
		force      = flag.Bool("force", false, "ignore any persisted session and authenticate again")
		logout     = flag.Bool("logout", false, "log out after a successful authentication")
		level      = flag.String("log-level", "warn", "log level: debug, info, warn, error")
	)
	flag.Parse()

	slogx.New(slogx.Config{App: "idmauth", Level: *level, Format: "text"})

	if err := run(*configPath, *dataDir, *username, *password, *force, *logout); err != nil {
		fmt.Fprintln(os.Stderr, "idmauth:", err)
		os.Exit(1)
	}
}

func run(configPath, dataDir, username, password string, force, logout bool) error {
	props, err := loadProps(configPath)
	if err != nil {
		return err
	}
	cfg, err := auth.NewConfig(props)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	store, err := openStore(dataDir)
	if err != nil {
		return err
	}
	defer store.Close()

	mss, err := auth.NewMobileSecurityService(cfg, nil, store, nil, &terminalHandler{in: bufio.NewReader(os.Stdin)})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		mss.CancelAuthentication()
	}()

	if err := mss.Setup(ctx); err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	actx, err := mss.StartAuthentication(ctx, &auth.Request{
		Username:  username,
		Password:  password,
		ForceAuth: force,
	})
	if err != nil {
		return err
	}
	printSession(actx)

	if logout {
		if err := mss.Logout(ctx, auth.LogoutOptions{}); err != nil {
			return fmt.Errorf("logout: %w", err)
		}
		fmt.Println("logged out")
	}
	return nil
}

func loadProps(path string) (map[string]any, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read configuration: %w", err)
	}
	var props map[string]any
	if err := json.Unmarshal(raw, &props); err != nil {
		return nil, fmt.Errorf("parse configuration: %w", err)
	}
	return props, nil
}

// openStore opens the encrypted credential store under dataDir. The store
// key is wrapped by a key store whose KEK is held in a local file, which
// stands in for the platform keychain a device build would use.
func openStore(dataDir string) (*credstore.Store, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}

	kekFile := filepath.Join(dataDir, "kek")
	kek, err := os.ReadFile(kekFile)
	if os.IsNotExist(err) {
		kek, err = cryptox.RandomBytes(32)
		if err == nil {
			err = os.WriteFile(kekFile, kek, 0o600)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("load kek: %w", err)
	}

	keys, err := keystore.NewManager(filepath.Join(dataDir, "keys"))
	if err != nil {
		return nil, err
	}
	ks, err := keys.KeyStore("idmauth", kek)
	if err != nil {
		ks, err = keys.CreateKeyStore("idmauth", kek)
	}
	if err != nil {
		return nil, err
	}
	storeKey, err := ks.DefaultKey()
	if err != nil {
		return nil, err
	}

	store, err := credstore.NewStore(filepath.Join(dataDir, "credstore.db"), storeKey)
	if err != nil {
		return nil, err
	}
	if err := store.ApplyMigrations(); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// terminalHandler answers SDK challenges on the terminal.
type terminalHandler struct {
	in *bufio.Reader
}

func (h *terminalHandler) Handle(c *auth.Challenge) {
	switch c.Type {
	case auth.ChallengeUsernamePassword:
		user := c.Fields[auth.FieldUsername]
		if user == "" {
			user = h.prompt("username: ")
		}
		pass := h.prompt("password: ")
		c.Respond(auth.ChallengeResponse{Username: user, Password: pass})

	case auth.ChallengeEmbeddedBrowser, auth.ChallengeExternalBrowser:
		fmt.Println("open this url in a browser and complete the login:")
		fmt.Println("  " + c.Fields[auth.FieldLoadURL])
		c.Respond(auth.ChallengeResponse{RedirectURL: h.prompt("paste the final redirect url: ")})

	case auth.ChallengeServerTrust:
		fmt.Printf("untrusted server certificate:\n  subject: %s\n  issuer:  %s\n",
			c.Fields[auth.FieldCertSubject], c.Fields[auth.FieldCertIssuer])
		answer := strings.ToLower(h.prompt("trust it? [y/N] "))
		c.Respond(auth.ChallengeResponse{Accept: answer == "y" || answer == "yes"})

	default:
		fmt.Println("cannot answer challenge", c.Type.String(), "on a terminal")
		c.Cancel()
	}
}

func (h *terminalHandler) prompt(label string) string {
	fmt.Print(label)
	line, _ := h.in.ReadString('\n')
	return strings.TrimSpace(line)
}

func printSession(actx *auth.AuthenticationContext) {
	fmt.Println("authenticated as:", actx.UserName())
	for _, tok := range actx.Tokens() {
		expires := tok.IssuedAt.Add(tok.ExpiresIn).Format(time.RFC3339)
		fmt.Printf("  %s (expires %s): %s\n", tok.Name, expires, abbreviate(tok.Value))
	}
	for _, u := range actx.VisitedURLs() {
		fmt.Println("  visited:", u)
	}
}

func abbreviate(s string) string {
	if len(s) <= 24 {
		return s
	}
	return s[:24] + "..."
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".idmauth"
	}
	return filepath.Join(home, ".idmauth")
}
