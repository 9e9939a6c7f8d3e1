// omemochat runs two OMEMO clients over an in-process transport and
// exchanges a few encrypted messages between them. It exists to demonstrate
// the full flow (provisioning, bundle publication, session establishment,
// hybrid encryption, trust gating) without requiring an XMPP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/companyzero/omemo/client"
	"github.com/companyzero/omemo/client/clientdb"
	"github.com/companyzero/omemo/client/clientintf"
	"github.com/companyzero/omemo/internal/memtransport"
	"golang.org/x/sync/errgroup"
)

// trustEverything trusts every fingerprint on first sight. Suitable only
// for a demo; real deployments prompt the user.
type trustEverything struct{}

func (trustEverything) Trust(clientintf.Device, string) clientintf.TrustState {
	return clientintf.TrustTrusted
}
func (trustEverything) SetTrust(clientintf.Device, string, clientintf.TrustState) {}

func newDemoClient(ctx context.Context, cfg *config, bknd *logBackend,
	net *memtransport.Network, name, jid string) (*client.Client, func(), error) {

	db, err := clientdb.New(ctx, clientdb.Config{
		Root:   filepath.Join(cfg.RootDir, name),
		Logger: bknd.logger(fmt.Sprintf("%s-FSDB", name)),
	})
	if err != nil {
		return nil, nil, err
	}

	conn, pubsub := net.Account(jid)
	c, err := client.New(client.Config{
		Conn:        conn,
		PubSub:      pubsub,
		DB:          db,
		Logger:      bknd.namedLogger(name),
		AddHintBody: true,
		AddEMEHint:  true,
	})
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := c.SetTrustCallback(trustEverything{}); err != nil {
		db.Close()
		return nil, nil, err
	}
	if err := c.Initialize(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}

	cleanup := func() {
		c.Close()
		db.Close()
	}
	return c, cleanup, nil
}

func realMain() error {
	cfg, err := loadConfig()
	if errors.Is(err, errCmdDone) {
		return nil
	} else if err != nil {
		return err
	}

	bknd, err := newLogBackend(cfg.LogFile, cfg.DebugLevel, cfg.MaxLogFiles)
	if err != nil {
		return err
	}
	defer bknd.close()
	log := bknd.logger("DEMO")

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	net := memtransport.NewNetwork()

	alice, aliceCleanup, err := newDemoClient(ctx, cfg, bknd, net, "alice", cfg.AliceJid)
	if err != nil {
		return fmt.Errorf("unable to start alice: %w", err)
	}
	defer aliceCleanup()

	bob, bobCleanup, err := newDemoClient(ctx, cfg, bknd, net, "bob", cfg.BobJid)
	if err != nil {
		return fmt.Errorf("unable to start bob: %w", err)
	}
	defer bobCleanup()

	received := make(chan client.DecryptedMessage, len(cfg.Messages)*2)
	listener := func(name string) client.MessageListener {
		return func(msg client.DecryptedMessage, info client.MessageInfo) {
			log.Infof("%s received %q from %s (fingerprint %s...)",
				name, msg.Plaintext, msg.Sender,
				info.IdentityFingerprint[:16])
			received <- msg
		}
	}
	alice.AddMessageListener(listener("alice"))
	bob.AddMessageListener(listener("bob"))

	// Alternate the demo messages between the two clients. Each message
	// waits for its delivery before the next is sent so the responder
	// answers over the session the first message established.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i, text := range cfg.Messages {
			var err error
			if i%2 == 0 {
				err = alice.SendMessage(gctx, cfg.BobJid, []byte(text))
			} else {
				err = bob.SendMessage(gctx, cfg.AliceJid, []byte(text))
			}
			if err != nil {
				return fmt.Errorf("send %d failed: %w", i, err)
			}

			select {
			case <-received:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}

	log.Infof("Demo finished: %d messages delivered encrypted", len(cfg.Messages))
	return nil
}

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
