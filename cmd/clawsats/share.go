package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/invite"
	"github.com/BSVanon/ClawSats-sub000/pkg/types"
	"github.com/BSVanon/ClawSats-sub000/pkg/wallet"
)

var shareCmd = &cobra.Command{
	Use:   "share <endpoint>",
	Short: "Invite another node to peer with this one",
	Long: `Send a signed invitation to the node at the given endpoint. The
running local node delivers it, so peer state and the referral chain stay
consistent.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newRPCClient()
		if err != nil {
			return err
		}
		result, err := client.call("sendInvitation", map[string]any{
			"endpoint": args[0],
		})
		if err != nil {
			return err
		}

		var reply struct {
			Delivered bool `json:"delivered"`
			Status    int  `json:"status"`
		}
		if err := json.Unmarshal(result, &reply); err != nil {
			return err
		}
		if reply.Delivered {
			fmt.Printf("Invitation accepted by %s\n", args[0])
		} else {
			fmt.Printf("Invitation delivered but refused (status %d)\n", reply.Status)
		}
		return nil
	},
}

var announceCmd = &cobra.Command{
	Use:   "announce [register-url]",
	Short: "Announce this node to a directory",
	Long: `Build a signed announcement from the local wallet and POST it to the
directory register URL (the configured one by default). Works without a
running node.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnnounce,
}

func init() {
	announceCmd.Flags().String("passphrase", "", "Passphrase for an encrypted root key")
	announceCmd.Flags().String("referred-by", "", "Identity key of the node that referred this one")
}

func runAnnounce(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(config.ConfigPath(baseDir))
	if err != nil {
		return err
	}

	target := cfg.RegisterURL
	if len(args) == 1 {
		target = args[0]
	}
	if target == "" {
		return fmt.Errorf("no register URL configured; pass one or set directoryRegisterUrl")
	}
	if cfg.Endpoint == "" {
		return fmt.Errorf("config has no public endpoint; set endpoint before announcing")
	}

	passphrase, _ := cmd.Flags().GetString("passphrase")
	rootKey, err := config.RootKeyHex(cfg, passphrase)
	if err != nil {
		return err
	}
	w, err := wallet.NewDriver(rootKey)
	if err != nil {
		return err
	}

	proto := invite.New(w, types.PartyRef{
		ClawID:      cfg.ClawID,
		IdentityKey: w.IdentityKey(),
		Endpoint:    cfg.Endpoint,
	}, types.WalletSnapshot{Chain: cfg.Chain, Capabilities: cfg.Capabilities})

	ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
	defer cancel()
	ann, err := proto.CreateAnnouncement(ctx, nil, map[string]string{
		"endpoint": cfg.Endpoint,
		"chain":    cfg.Chain,
	})
	if err != nil {
		return err
	}
	if referrer, _ := cmd.Flags().GetString("referred-by"); referrer != "" {
		// ReferredBy is part of the signed record, so sign again after
		// setting it.
		ann.ReferredBy = referrer
		ann, err = resignAnnouncement(ctx, w, ann)
		if err != nil {
			return err
		}
	}

	payload, err := json.Marshal(ann)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("directory refused the announcement (status %d)", resp.StatusCode)
	}

	fmt.Printf("Announced %s to %s\n", cfg.ClawID, target)
	return nil
}

func resignAnnouncement(ctx context.Context, w wallet.Gateway, ann *types.Announcement) (*types.Announcement, error) {
	signed, err := invite.SignAnnouncement(ctx, w, *ann)
	if err != nil {
		return nil, err
	}
	return signed, nil
}
