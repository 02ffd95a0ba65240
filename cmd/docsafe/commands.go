package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/absfs/docsafe"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a user with a new keystore",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := currentUser()
		if err != nil {
			return err
		}
		defer auth.Wipe()
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		if _, err := svc.RegisterUser(cmd.Context(), auth); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "registered %s\n", auth.ID)
		return nil
	},
}

var removeUserCmd = &cobra.Command{
	Use:   "remove-user <user>",
	Short: "Delete a user with all documents",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.RemoveUser(cmd.Context(), docsafe.UserID(args[0]))
	},
}

var putCmd = &cobra.Command{
	Use:   "put <path> [file]",
	Short: "Store a document, reading stdin when no file is given",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := currentUser()
		if err != nil {
			return err
		}
		defer auth.Wipe()
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		var src io.Reader = cmd.InOrStdin()
		if len(args) == 2 {
			f, err := os.Open(args[1])
			if err != nil {
				return err
			}
			defer f.Close()
			src = f
		}

		w, err := svc.Write(cmd.Context(), auth, args[0])
		if err != nil {
			return err
		}
		if _, err := io.Copy(w, src); err != nil {
			return errors.Join(err, w.Close())
		}
		return w.Close()
	},
}

var getCmd = &cobra.Command{
	Use:   "get <path> [file]",
	Short: "Decrypt a document to a file or stdout",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := currentUser()
		if err != nil {
			return err
		}
		defer auth.Wipe()
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		r, err := svc.Read(cmd.Context(), auth, args[0])
		if err != nil {
			return err
		}
		defer r.Close()

		if len(args) == 1 {
			_, err = io.Copy(cmd.OutOrStdout(), r)
			return err
		}
		f, err := os.OpenFile(args[1], os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return err
		}
		if _, err := io.Copy(f, r); err != nil {
			f.Close()
			os.Remove(args[1])
			return err
		}
		return f.Close()
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls [prefix]",
	Short: "List documents",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := currentUser()
		if err != nil {
			return err
		}
		defer auth.Wipe()
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()

		prefix := ""
		if len(args) == 1 {
			prefix = args[0]
		}
		out := cmd.OutOrStdout()
		for doc, err := range svc.List(cmd.Context(), auth, prefix) {
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s  %s\n", doc.Resource.ModTime.Format(time.RFC3339), doc.Path)
		}
		return nil
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm <path>",
	Short: "Delete a document, or a directory when the path ends in /",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		auth, err := currentUser()
		if err != nil {
			return err
		}
		defer auth.Wipe()
		svc, err := newService()
		if err != nil {
			return err
		}
		defer svc.Close()
		return svc.Remove(cmd.Context(), auth, args[0])
	},
}
