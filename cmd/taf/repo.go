package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jc12690/taf/cryptoprovider"
	"github.com/jc12690/taf/gitrepo"
	"github.com/jc12690/taf/prompt"
	"github.com/jc12690/taf/repoauthor"
	"github.com/jc12690/taf/tafclock"
	"github.com/jc12690/taf/tafconfig"
	"github.com/jc12690/taf/taferrors"
	"github.com/jc12690/taf/token"
)

func newRepoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repo",
		Short: "Manage an authentication repository",
	}
	cmd.AddCommand(newRepoCreateCmd())
	cmd.AddCommand(newRepoAddDependencyCmd())
	cmd.AddCommand(newRepoRemoveDependencyCmd())
	cmd.AddCommand(newRepoUpdateTargetsFromRepositoriesJSONCmd())
	return cmd
}

func newAuthor(keystoreDir string) *repoauthor.Author {
	term := prompt.NewTerminal(os.Stdin, os.Stdout, int(os.Stdin.Fd()))
	tokenModule := os.Getenv("TAF_PKCS11_MODULE")
	var tok *token.Provider
	if tokenModule != "" {
		tok = token.New(tokenModule)
	} else {
		tok = token.NewUnavailable()
	}
	return repoauthor.New(keystoreDir, term, tafclock.Default, tok)
}

func newRepoCreateCmd() *cobra.Command {
	var keysDescription string
	var keystoreDir string
	var commit bool
	var test bool

	cmd := &cobra.Command{
		Use:   "create <path>",
		Short: "Create a new authentication repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			kd, err := tafconfig.Load(keysDescription)
			if err != nil {
				return err
			}
			ks := keystoreDir
			if ks == "" {
				ks = kd.Keystore
			}

			roleSpecs := map[string]repoauthor.RoleSpec{}
			for name, rc := range kd.Roles {
				roleSpecs[name] = repoauthor.RoleSpec{
					Number:    rc.Number,
					Threshold: rc.Threshold,
					Length:    rc.Length,
					Scheme:    cryptoprovider.Scheme(rc.Scheme),
					YubiKey:   rc.YubiKey,
					Passwords: rc.Passwords,
				}
			}

			author := newAuthor(ks)
			_, err = author.Create(repoauthor.CreateOptions{
				Path:          path,
				RolesKeyInfos: roleSpecs,
				Commit:        commit,
				CommitMessage: "Initial commit",
				Test:          test,
			})
			return err
		},
	}
	cmd.Flags().StringVar(&keysDescription, "keys-description", "", "keys-description JSON literal or file path")
	cmd.Flags().StringVar(&keystoreDir, "keystore", "", "keystore directory (overrides keys-description)")
	cmd.Flags().BoolVar(&commit, "commit", false, "commit the new repository")
	cmd.Flags().BoolVar(&test, "test", false, "create a test-auth-repo marker target")
	return cmd
}

func newRepoAddDependencyCmd() *cobra.Command {
	var dependencyPath string
	var keystoreDir string
	var customPairs []string

	cmd := &cobra.Command{
		Use:   "add-dependency <auth_path> <dependency_name> <branch_name> <out_of_band_commit>",
		Short: "Add or update an entry in targets/dependencies.json",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			authPath, name, branch, commit := args[0], args[1], args[2], args[3]
			// With --dependency-path, the out-of-band commit must exist in
			// that local checkout before the manifest entry is written.
			if dependencyPath != "" {
				dep, err := gitrepo.Open(dependencyPath)
				if err != nil {
					return err
				}
				if !dep.CommitExists(commit) {
					return &taferrors.ConfigError{Detail: "commit " + commit + " not found in " + dependencyPath}
				}
			}

			custom := map[string]string{}
			for _, pair := range customPairs {
				k, v, ok := splitKV(pair)
				if !ok {
					continue
				}
				custom[k] = v
			}

			author := newAuthor(keystoreDir)
			return author.AddDependency(authPath, name, branch, commit, custom)
		},
	}
	cmd.Flags().StringVar(&dependencyPath, "dependency-path", "", "local checkout of the dependency, for validation")
	cmd.Flags().StringVar(&keystoreDir, "keystore", "", "keystore directory")
	cmd.Flags().StringArrayVar(&customPairs, "custom", nil, "custom key=value attribute, repeatable")
	return cmd
}

func newRepoRemoveDependencyCmd() *cobra.Command {
	var keystoreDir string

	cmd := &cobra.Command{
		Use:   "remove-dependency <auth_path> <dependency_name>",
		Short: "Remove an entry from targets/dependencies.json",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			authPath, name := args[0], args[1]
			author := newAuthor(keystoreDir)
			return author.RemoveDependency(authPath, name)
		},
	}
	cmd.Flags().StringVar(&keystoreDir, "keystore", "", "keystore directory")
	return cmd
}

func newRepoUpdateTargetsFromRepositoriesJSONCmd() *cobra.Command {
	var keystoreDir string
	var scheme string

	cmd := &cobra.Command{
		Use:   "update-targets-from-repositories-json <auth_path> <root_dir>",
		Short: "Re-derive target descriptors from the existing repositories.json manifest",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			authPath, rootDir := args[0], args[1]
			author := newAuthor(keystoreDir)
			return author.UpdateTargetReposFromRepositoriesJSON(authPath, rootDir, keystoreDir, cryptoprovider.Scheme(scheme))
		},
	}
	cmd.Flags().StringVar(&keystoreDir, "keystore", "", "keystore directory")
	cmd.Flags().StringVar(&scheme, "scheme", string(cryptoprovider.SchemeRSAPKCS1v15SHA256), "signature scheme for re-signing")
	return cmd
}

func splitKV(pair string) (string, string, bool) {
	for i := 0; i < len(pair); i++ {
		if pair[i] == '=' {
			return pair[:i], pair[i+1:], true
		}
	}
	return "", "", false
}
