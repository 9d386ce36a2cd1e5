package file

import (
	"fmt"
	"github.com/ValentinKolb/dStor/cmd/util"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"io"
	"os"
	"sort"
)

var (
	writeCmd = &cobra.Command{
		Use:   "write [handle]",
		Short: "Write the contents of a file (or stdin) to a striped file",
		Args:  cobra.ExactArgs(1),
		RunE:  runWrite,
	}
	readCmd = &cobra.Command{
		Use:   "read [handle]",
		Short: "Read a range of a striped file to stdout (or a file)",
		Args:  cobra.ExactArgs(1),
		RunE:  runRead,
	}
	fsyncCmd = &cobra.Command{
		Use:   "fsync [handle]",
		Short: "Flush the chunk files of a striped file on all its targets",
		Args:  cobra.ExactArgs(1),
		RunE:  runFsync,
	}
	statfsCmd = &cobra.Command{
		Use:   "statfs",
		Short: "Show the capacity of storage targets",
		RunE:  runStatfs,
	}
)

func init() {
	writeCmd.Flags().String("input", "-", util.WrapString("File to read the data from (- = stdin)"))
	writeCmd.Flags().Int64("offset", 0, util.WrapString("Offset in the striped file"))

	readCmd.Flags().String("output", "-", util.WrapString("File to write the data to (- = stdout)"))
	readCmd.Flags().Int64("offset", 0, util.WrapString("Offset in the striped file"))
	readCmd.Flags().String("length", "1MiB", util.WrapString("Number of bytes to read (e.g. 4096, 10MiB)"))
}

func runWrite(cmd *cobra.Command, args []string) error {
	stripe, err := util.GetStripe()
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if path := viper.GetString("input"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	ctx, cancel := commandContext()
	defer cancel()

	n, err := storageClient.Write(ctx, args[0], stripe, viper.GetInt64("offset"), data)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", humanize.IBytes(uint64(n)), args[0])
	return nil
}

func runRead(cmd *cobra.Command, args []string) error {
	stripe, err := util.GetStripe()
	if err != nil {
		return err
	}
	length, err := util.ParseSize(viper.GetString("length"))
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	buf := make([]byte, length)
	n, err := storageClient.Read(ctx, args[0], stripe, viper.GetInt64("offset"), buf)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if path := viper.GetString("output"); path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}
	if _, err := out.Write(buf[:n]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "read %s from %s\n", humanize.IBytes(uint64(n)), args[0])
	return nil
}

func runFsync(_ *cobra.Command, args []string) error {
	stripe, err := util.GetStripe()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()
	return storageClient.Fsync(ctx, args[0], stripe)
}

func runStatfs(cmd *cobra.Command, _ []string) error {
	targets, err := util.ParseTargetIDs(viper.GetString("targets"))
	if err != nil {
		return err
	}

	ctx, cancel := commandContext()
	defer cancel()

	stats, statErr := storageClient.StatStorage(ctx, targets)

	ids := make([]int, 0, len(stats))
	for id := range stats {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-8s %12s %12s %6s %12s %12s\n", "TARGET", "SIZE", "FREE", "USE%", "FILES", "FREE FILES")
	for _, id := range ids {
		st := stats[uint16(id)]
		used := 0.0
		if st.TotalBytes > 0 {
			used = 100 * float64(st.TotalBytes-st.FreeBytes) / float64(st.TotalBytes)
		}
		fmt.Fprintf(out, "%-8d %12s %12s %5.1f%% %12s %12s\n", id,
			humanize.IBytes(uint64(st.TotalBytes)), humanize.IBytes(uint64(st.FreeBytes)), used,
			humanize.Comma(st.TotalInodes), humanize.Comma(st.FreeInodes))
	}
	return statErr
}
