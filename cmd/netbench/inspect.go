package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"netbench/internal/capture"
	"netbench/internal/message"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <capture.pcap>",
		Short: "List the control messages recorded in a packet capture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := capture.NewParser().Parse(args[0])
			if err != nil {
				return err
			}
			printCapture(cmd.OutOrStdout(), result)
			return nil
		},
	}
}

func printCapture(out io.Writer, result *capture.Result) {
	for _, rec := range result.Records {
		fmt.Fprintf(out, "%6d %s %-3s %s -> %s %s\n",
			rec.Packet,
			rec.Timestamp.UTC().Format("15:04:05.000000"),
			rec.Protocol,
			rec.Src, rec.Dst,
			describe(rec.Message))
	}

	counts := capture.Count(result.Records)
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(out, "\n%d packets, %d with control frames, %d messages\n",
		result.TotalPackets, result.FramedPackets, len(result.Records))
	for _, name := range names {
		fmt.Fprintf(out, "  %-7s %d\n", name, counts[name])
	}
	if ids := capture.SessionIDs(result.Records); len(ids) > 0 {
		fmt.Fprintf(out, "  sessions %v\n", ids)
	}
}

func describe(msg message.Message) string {
	switch m := msg.(type) {
	case *message.Syn:
		return fmt.Sprintf("Syn mode=%s duration=%gs packet_size=%d", m.Mode, m.Plan.Duration, m.Plan.PacketSize)
	case *message.SynAck:
		return fmt.Sprintf("SynAck id=%d duration=%gs packet_size=%d", m.SessionID, m.Plan.Duration, m.Plan.PacketSize)
	default:
		return message.TypeName(msg.MessageType())
	}
}
