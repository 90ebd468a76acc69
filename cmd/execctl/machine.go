package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/antonkrylov/execgate/internal/directory"
	"github.com/antonkrylov/execgate/internal/history"
)

func newMachineCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Manage the machine inventory",
	}
	cmd.AddCommand(newMachineListCmd(opts))
	cmd.AddCommand(newMachineGetCmd(opts))
	cmd.AddCommand(newMachineCreateCmd(opts))
	cmd.AddCommand(newMachineStateCmd(opts))
	cmd.AddCommand(newMachineRmCmd(opts))
	return cmd
}

func newMachineListCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered machines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			resp, err := opts.client().Get(opts.url("/machines"))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return decodeAPIError(resp)
			}
			var machines []directory.Machine
			if err := json.NewDecoder(resp.Body).Decode(&machines); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tALIAS\tBRAND\tSTATE\tNODE")
			for _, m := range machines {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", m.ID, m.Alias, m.Brand, m.State, m.Node)
			}
			return w.Flush()
		},
	}
}

func newMachineGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get MACHINE",
		Short: "Show one machine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Get(opts.url("/machines/" + args[0]))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return decodeAPIError(resp)
			}
			var m directory.Machine
			if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
				return err
			}
			out, err := json.MarshalIndent(m, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}

func newMachineCreateCmd(opts *rootOptions) *cobra.Command {
	var id, alias, brand, state, node string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			body, err := json.Marshal(map[string]string{
				"id": id, "alias": alias, "brand": brand, "state": state, "node": node,
			})
			if err != nil {
				return err
			}
			resp, err := opts.client().Post(opts.url("/machines"), "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusCreated {
				return decodeAPIError(resp)
			}
			var m directory.Machine
			if err := json.NewDecoder(resp.Body).Decode(&m); err != nil {
				return err
			}
			fmt.Println(m.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "machine ID (generated when empty)")
	cmd.Flags().StringVar(&alias, "alias", "", "human-friendly alias")
	cmd.Flags().StringVar(&brand, "brand", directory.BrandJoyent, "machine brand (joyent, lx, kvm, bhyve)")
	cmd.Flags().StringVar(&state, "state", "", "initial state (defaults to provisioning)")
	cmd.Flags().StringVar(&node, "node", "", "compute node hosting the machine")
	return cmd
}

func newMachineStateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "state MACHINE STATE",
		Short: "Move a machine to a new lifecycle state",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"state": args[1]})
			if err != nil {
				return err
			}
			req, err := http.NewRequest(http.MethodPut, opts.url("/machines/"+args[0]+"/state"), bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			resp, err := opts.client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return decodeAPIError(resp)
			}
			return nil
		},
	}
}

func newMachineRmCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm MACHINE",
		Short: "Remove a machine from the inventory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := http.NewRequest(http.MethodDelete, opts.url("/machines/"+args[0]), nil)
			if err != nil {
				return err
			}
			resp, err := opts.client().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusNoContent {
				return decodeAPIError(resp)
			}
			return nil
		},
	}
}

func newSessionsCmd(opts *rootOptions) *cobra.Command {
	var machine string
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List exec session history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path := "/sessions"
			if machine != "" {
				path = "/machines/" + machine + "/sessions"
			}
			resp, err := opts.client().Get(opts.url(path))
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return decodeAPIError(resp)
			}
			var recs []history.Record
			if err := json.NewDecoder(resp.Body).Decode(&recs); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "SESSION\tMACHINE\tSTATE\tINTERACTIVE\tSTARTED\tARGV")
			for _, r := range recs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n",
					r.SessionID, r.MachineID, r.State, r.Interactive,
					r.StartedAt.Format("2006-01-02 15:04:05"), formatArgv(r.Argv))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&machine, "machine", "", "limit to one machine")
	return cmd
}

func formatArgv(argv []string) string {
	if len(argv) == 0 {
		return "-"
	}
	out, err := json.Marshal(argv)
	if err != nil {
		return "-"
	}
	return string(out)
}
