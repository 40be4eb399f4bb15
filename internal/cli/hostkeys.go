package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/ssh"

	"github.com/treykane/remote-viewer/internal/appconfig"
	"github.com/treykane/remote-viewer/internal/faults"
	"github.com/treykane/remote-viewer/internal/hostkeys"
	"github.com/treykane/remote-viewer/internal/model"
	"github.com/treykane/remote-viewer/internal/transport/openssh"
)

const keyscanTimeout = 10 * time.Second

// The trust file is shared with the server through a file lock, so these
// commands work on it directly.
func openHostKeys() (*hostkeys.Store, error) {
	cfg, err := appconfig.Load()
	if err != nil {
		return nil, err
	}
	path, err := appconfig.KnownHostsPath(cfg)
	if err != nil {
		return nil, err
	}
	return hostkeys.New(path), nil
}

func newHostKeysCmd() *cobra.Command {
	root := &cobra.Command{Use: "hostkeys", Short: "Manage trusted SSH host keys"}

	var jsonOut bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List trusted host keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openHostKeys()
			if err != nil {
				return err
			}
			recs, err := store.List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if jsonOut {
				if recs == nil {
					recs = []model.HostKeyRecord{}
				}
				return printJSON(out, recs)
			}
			fmt.Fprintf(out, "%-32s %-22s %s\n", "HOST", "TYPE", "FINGERPRINT")
			for _, r := range recs {
				fmt.Fprintf(out, "%-32s %-22s %s\n", hostkeys.KnownHostsHost(r.Host, r.Port), r.KeyType, r.FingerprintSHA256)
			}
			return nil
		},
	}
	list.Flags().BoolVar(&jsonOut, "json", false, "output JSON")

	var (
		keyLine string
		yes     bool
	)
	accept := &cobra.Command{
		Use:   "accept <target>",
		Short: "Trust the key a host presents (scanned with ssh-keyscan unless --key is given)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := resolveTarget(args[0])
			if err != nil {
				return err
			}
			id := t.Identity
			var key ssh.PublicKey
			if keyLine != "" {
				key, _, _, _, err = ssh.ParseAuthorizedKey([]byte(keyLine))
				if err != nil {
					return faults.Wrap(faults.InvalidArgument, "parse --key", err)
				}
			} else {
				key, err = scanHostKey(cmd.Context(), id)
				if err != nil {
					return err
				}
			}
			store, err := openHostKeys()
			if err != nil {
				return err
			}
			rec := model.HostKeyRecord{
				Host:              id.Host,
				Port:              id.Port,
				KeyType:           key.Type(),
				PublicKey:         hostkeys.AuthorizedKey(key),
				FingerprintSHA256: ssh.FingerprintSHA256(key),
			}
			fmt.Fprintf(os.Stderr, "%s %s key fingerprint is %s\n", hostkeys.KnownHostsHost(id.Host, id.Port), rec.KeyType, rec.FingerprintSHA256)
			if !yes && !confirm("Trust this key? [y/N] ") {
				return faults.New(faults.Canceled, "accept host key", "not confirmed (use --yes to skip the prompt)")
			}
			if err := store.Accept(rec); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "trusted %s for %s\n", rec.FingerprintSHA256, hostkeys.KnownHostsHost(id.Host, id.Port))
			return nil
		},
	}
	accept.Flags().StringVar(&keyLine, "key", "", `public key in authorized_keys form, e.g. "ssh-ed25519 AAAA..."`)
	accept.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")

	remove := &cobra.Command{
		Use:   "remove <target>",
		Short: "Forget the trusted key of a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, _, err := resolveTarget(args[0])
			if err != nil {
				return err
			}
			store, err := openHostKeys()
			if err != nil {
				return err
			}
			removed, err := store.Remove(t.Identity.Host, t.Identity.Port)
			if err != nil {
				return err
			}
			host := hostkeys.KnownHostsHost(t.Identity.Host, t.Identity.Port)
			if !removed {
				return faults.New(faults.NotFound, "remove host key", "no trusted key for %s", host)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", host)
			return nil
		},
	}

	root.AddCommand(list, accept, remove)
	return root
}

// scanHostKey asks the host for its keys and prefers ed25519.
func scanHostKey(ctx context.Context, id model.ConnectionIdentity) (ssh.PublicKey, error) {
	bin, err := exec.LookPath("ssh-keyscan")
	if err != nil {
		return nil, faults.New(faults.BackendUnavailable, "scan host key", "ssh-keyscan not found in PATH; pass --key instead")
	}
	ctx, cancel := context.WithTimeout(ctx, keyscanTimeout)
	defer cancel()
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, bin, openssh.KeyscanArgs(id, int(keyscanTimeout/time.Second))...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	keys := openssh.ParseKeyscan(out)
	if len(keys) == 0 {
		msg := strings.TrimSpace(stderr.String())
		if err != nil && msg == "" {
			msg = err.Error()
		}
		return nil, faults.New(faults.Unreachable, "scan host key", "no host keys from %s: %s", id.Key(), msg)
	}
	for _, k := range keys {
		if k.Type() == ssh.KeyAlgoED25519 {
			return k, nil
		}
	}
	return keys[0], nil
}
