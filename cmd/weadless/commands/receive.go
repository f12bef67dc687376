package commands

import (
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/bryanchriswhite/weadless/internal/logger"
	"github.com/bryanchriswhite/weadless/internal/receiver"
	"github.com/bryanchriswhite/weadless/internal/shutdown"
)

var receiveCmd = &cobra.Command{
	Use:   "receive",
	Short: "Receive and check an RTP/H.264 stream",
	Long: `Listen for the UDP RTP stream sent by "weadless serve --output appsrc"
and report packet loss and the H.264 units seen (SPS, PPS, IDR).

With --out, the depacketized H.264 elementary stream is written to a file
that ffplay or gst-play can open.`,
	Example: `  # In one terminal
  weadless receive --listen 127.0.0.1:5000 --out capture.h264

  # In another
  weadless serve --output appsrc --output-address 127.0.0.1:5000`,
	RunE: runReceive,
}

var (
	receiveListen string
	receiveOut    string
	receiveReport time.Duration
)

func init() {
	rootCmd.AddCommand(receiveCmd)

	receiveCmd.Flags().StringVar(&receiveListen, "listen", "0.0.0.0:5000", "UDP address to listen on")
	receiveCmd.Flags().StringVarP(&receiveOut, "out", "o", "", "write the H.264 elementary stream to this file")
	receiveCmd.Flags().DurationVar(&receiveReport, "report", 5*time.Second, "stats log interval (0 disables)")
}

func runReceive(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("receiver")

	coord := shutdown.New(cmd.Context())
	defer coord.NotifyOnSignal(os.Interrupt, syscall.SIGTERM)()

	conn, err := net.ListenPacket("udp", receiveListen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", receiveListen, err)
	}
	defer conn.Close()

	var out io.Writer
	if receiveOut != "" {
		f, err := os.Create(receiveOut)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
		log.Info().Str("path", receiveOut).Msg("Writing H.264 stream")
	}

	r := receiver.New(out)
	if err := r.Run(coord.Context(), conn, receiveReport); err != nil {
		return err
	}

	st := r.Stats()
	fmt.Printf("packets=%d bytes=%d lost=%d out_of_order=%d rejected=%d sps=%d pps=%d idr=%d\n",
		st.Packets, st.Bytes, st.Lost, st.OutOfOrder, st.Rejected, st.SPS, st.PPS, st.IDR)
	return nil
}
