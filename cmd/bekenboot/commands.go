package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/ioutil"

	"github.com/flashkit/bekenboot"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var readOutput string

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print the chip and flash identification",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			info, err := prog.Info()
			if err != nil {
				return err
			}
			fmt.Printf("chip id:  %08X\n", info.ChipID)
			fmt.Printf("flash id: %06X\n", info.FlashID)
			fmt.Printf("flash:    %s\n", info.Flash.String())
			return nil
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <addr> <len>",
	Short: "Read flash contents",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, length, err := getAddrAndLen(args)
		if err != nil {
			return err
		}
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			data, err := prog.Read(ctx, addr, length)
			if err != nil {
				return err
			}
			if readOutput != "" {
				return ioutil.WriteFile(readOutput, data, 0644)
			}
			fmt.Print(hex.Dump(data))
			return nil
		})
	},
}

var eraseCmd = &cobra.Command{
	Use:   "erase <addr> <len>",
	Short: "Erase the sectors fully covered by a range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, length, err := getAddrAndLen(args)
		if err != nil {
			return err
		}
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			if err := prog.Unprotect(ctx); err != nil {
				return errors.Wrap(err, "failed to unprotect flash")
			}
			return prog.Erase(ctx, addr, length)
		})
	},
}

var crcCmd = &cobra.Command{
	Use:   "crc <addr> <len>",
	Short: "Ask the target for the CRC of a range",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, length, err := getAddrAndLen(args)
		if err != nil {
			return err
		}
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			crc, err := prog.CRC(ctx, addr, length)
			if err != nil {
				return err
			}
			fmt.Printf("crc: %08X\n", crc)
			return nil
		})
	},
}

var protectCmd = &cobra.Command{
	Use:   "protect",
	Short: "Set the flash write protection bits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			return prog.Protect(ctx)
		})
	},
}

var unprotectCmd = &cobra.Command{
	Use:   "unprotect",
	Short: "Clear the flash write protection bits",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			return prog.Unprotect(ctx)
		})
	},
}

var rebootCmd = &cobra.Command{
	Use:   "reboot",
	Short: "Reboot the target into its application",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withConnection(func(ctx context.Context, prog bekenboot.Programmer) error {
			return prog.Reboot(ctx)
		})
	},
}

func init() {
	rootCmd.AddCommand(infoCmd, readCmd, eraseCmd, crcCmd, protectCmd, unprotectCmd, rebootCmd)

	readCmd.Flags().StringVarP(&readOutput, "output", "o", "", "write the data to a file instead of dumping it")
	rebootCmd.Flags().StringVar(&cfg.Reboot, "reboot", cfg.Reboot, "reboot frame: reset or command")
}
