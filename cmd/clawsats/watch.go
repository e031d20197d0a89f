package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/BSVanon/ClawSats-sub000/pkg/config"
	"github.com/BSVanon/ClawSats-sub000/pkg/fsutil"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Maintain and poll a list of watched peer endpoints",
}

var watchAddCmd = &cobra.Command{
	Use:   "add <endpoint>",
	Short: "Add an endpoint to the watch list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := loadWatchList()
		if err != nil {
			return err
		}
		for _, e := range list {
			if e == args[0] {
				fmt.Println("Already watching", args[0])
				return nil
			}
		}
		list = append(list, args[0])
		if err := saveWatchList(list); err != nil {
			return err
		}
		fmt.Println("Watching", args[0])
		return nil
	},
}

var watchRemoveCmd = &cobra.Command{
	Use:   "remove <endpoint>",
	Short: "Remove an endpoint from the watch list",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := loadWatchList()
		if err != nil {
			return err
		}
		kept := list[:0]
		for _, e := range list {
			if e != args[0] {
				kept = append(kept, e)
			}
		}
		if len(kept) == len(list) {
			return fmt.Errorf("not watching %s", args[0])
		}
		if err := saveWatchList(kept); err != nil {
			return err
		}
		fmt.Println("Stopped watching", args[0])
		return nil
	},
}

var watchListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show the watch list",
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := loadWatchList()
		if err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("Watch list is empty.")
			return nil
		}
		sort.Strings(list)
		for _, e := range list {
			fmt.Println(e)
		}
		return nil
	},
}

var watchRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Poll watched endpoints and report their health",
	RunE:  runWatch,
}

func init() {
	watchRunCmd.Flags().Duration("interval", 30*time.Second, "Poll interval")
	watchRunCmd.Flags().Bool("once", false, "Poll once and exit")

	watchCmd.AddCommand(watchAddCmd)
	watchCmd.AddCommand(watchRemoveCmd)
	watchCmd.AddCommand(watchListCmd)
	watchCmd.AddCommand(watchRunCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	interval, _ := cmd.Flags().GetDuration("interval")
	once, _ := cmd.Flags().GetBool("once")

	list, err := loadWatchList()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		return fmt.Errorf("watch list is empty; add endpoints with `clawsats watch add`")
	}

	client := &http.Client{Timeout: 8 * time.Second}
	poll := func() {
		for _, endpoint := range list {
			start := time.Now()
			resp, err := client.Get(endpoint + "/health")
			elapsed := time.Since(start).Round(time.Millisecond)
			if err != nil {
				fmt.Printf("%-40s DOWN  %v\n", endpoint, err)
				continue
			}
			resp.Body.Close()
			state := "UP"
			if resp.StatusCode != http.StatusOK {
				state = fmt.Sprintf("HTTP %d", resp.StatusCode)
			}
			fmt.Printf("%-40s %-8s %v\n", endpoint, state, elapsed)
		}
	}

	poll()
	if once {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-cmd.Context().Done():
			return nil
		case <-ticker.C:
			fmt.Println()
			poll()
		}
	}
}

func loadWatchList() ([]string, error) {
	path := config.DefaultPaths(baseDir).WatchPeers
	var list []string
	if err := fsutil.ReadJSON(path, &list); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	return list, nil
}

func saveWatchList(list []string) error {
	path := config.DefaultPaths(baseDir).WatchPeers
	return fsutil.WriteJSONAtomic(path, list, 0644)
}
