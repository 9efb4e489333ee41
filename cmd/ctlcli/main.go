// Package main provides the control CLI entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	apiconnect "github.com/osa030/19cast/internal/api/connect"
	"github.com/osa030/19cast/internal/domain/stream"
)

var (
	app     = kingpin.New("19cast-ctlcli", "19cast control client")
	server  = app.Flag("server", "Server address").Default("http://localhost:8080").String()
	token   = app.Flag("token", "Admin token (or set ADMIN_TOKEN env)").Envar("ADMIN_TOKEN").String()
	session = app.Flag("session", "Session name (default: first session)").Short('s').String()

	// enqueue command
	enqueueCmd      = app.Command("enqueue", "Queue an input").Alias("add")
	enqueueURL      = enqueueCmd.Arg("url", "URL, path, ytdl+URL, mtx:path or *-listen: input").Required().String()
	enqueueLabel    = enqueueCmd.Flag("label", "Display label").String()
	enqueueSource   = enqueueCmd.Flag("source", "Force a source type (ffmpeg, ytdlp, ingest, file, mediamtx)").String()
	enqueueRealtime = enqueueCmd.Flag("realtime", "Input is live, do not pace reads").Bool()
	enqueueCopy     = enqueueCmd.Flag("copy", "Copy the input codecs instead of re-encoding").Bool()
	enqueueNoAudio  = enqueueCmd.Flag("no-audio", "Drop the audio track").Bool()

	// skip command
	skipCmd = app.Command("skip", "Skip the current item")

	// stop command
	stopCmd = app.Command("stop", "Clear the queue and stop playback")

	// volume command
	volumeCmd   = app.Command("volume", "Set the volume (1.0 = unity gain)")
	volumeValue = volumeCmd.Arg("value", "Gain").Required().Float64()

	// status command
	statusCmd = app.Command("status", "Get session status")

	// list-sessions command
	listCmd = app.Command("list-sessions", "List all sessions").Alias("list")

	// paths command
	pathsCmd = app.Command("paths", "List MediaMTX paths")

	// watch command
	watchCmd = app.Command("watch", "Stream queue events")
)

func main() {
	// Load .env file if it exists (errors are ignored)
	_ = godotenv.Load()

	command := kingpin.MustParse(app.Parse(os.Args[1:]))

	if *token == "" {
		fmt.Println("Error: admin token is required (use --token or ADMIN_TOKEN env)")
		os.Exit(1)
	}

	client := apiconnect.NewClient(
		http.DefaultClient,
		*server,
		connect.WithInterceptors(apiconnect.NewTokenInterceptor(*token)),
	)

	ctx := context.Background()

	switch command {
	case enqueueCmd.FullCommand():
		enqueue(ctx, client)
	case skipCmd.FullCommand():
		skip(ctx, client)
	case stopCmd.FullCommand():
		stop(ctx, client)
	case volumeCmd.FullCommand():
		volume(ctx, client)
	case statusCmd.FullCommand():
		status(ctx, client)
	case listCmd.FullCommand():
		listSessions(ctx, client)
	case pathsCmd.FullCommand():
		paths(ctx, client)
	case watchCmd.FullCommand():
		watch(ctx, client)
	}
}

func fail(err error) {
	fmt.Printf("Error: %v\n", err)
	os.Exit(1)
}

// enqueueOptions builds the per-request encoder overrides.
func enqueueOptions(realtime, copyCodec, noAudio bool) stream.Options {
	opts := stream.Options{Realtime: realtime, CopyCodec: copyCodec}
	if noAudio {
		includeAudio := false
		opts.IncludeAudio = &includeAudio
	}
	return opts
}

func enqueue(ctx context.Context, client *apiconnect.Client) {
	opts := enqueueOptions(*enqueueRealtime, *enqueueCopy, *enqueueNoAudio)

	resp, err := client.Enqueue(ctx, &apiconnect.EnqueueRequest{
		Session: *session,
		URL:     *enqueueURL,
		Source:  *enqueueSource,
		Label:   *enqueueLabel,
		Options: opts,
	})
	if err != nil {
		fail(err)
	}

	if resp.Accepted {
		fmt.Printf("%s (id: %s, source: %s)\n", resp.Message, resp.ItemID, resp.SourceType)
	} else {
		fmt.Printf("Rejected: %s [%s]\n", resp.Message, resp.Code)
		os.Exit(2)
	}
}

func skip(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.Skip(ctx, &apiconnect.SkipRequest{Session: *session})
	if err != nil {
		fail(err)
	}
	fmt.Println(resp.Message)
}

func stop(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.Stop(ctx, &apiconnect.StopRequest{Session: *session})
	if err != nil {
		fail(err)
	}
	fmt.Println(resp.Message)
}

func volume(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.SetVolume(ctx, &apiconnect.SetVolumeRequest{Session: *session, Volume: *volumeValue})
	if err != nil {
		fail(err)
	}
	if resp.Applied {
		fmt.Printf("Volume set to %.2f\n", resp.Volume)
	} else {
		fmt.Printf("Volume %.2f will apply to the next item\n", resp.Volume)
	}
}

func status(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.GetStatus(ctx, &apiconnect.GetStatusRequest{Session: *session})
	if err != nil {
		fail(err)
	}
	fmt.Println("\n=== CURRENT SESSION STATUS ===")
	printStatus(resp.Status)
	fmt.Println()
}

func listSessions(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.ListSessions(ctx, &apiconnect.ListSessionsRequest{})
	if err != nil {
		fail(err)
	}

	fmt.Printf("Sessions (%d):\n", len(resp.Sessions))
	for _, s := range resp.Sessions {
		current := "-"
		if s.Current != nil {
			current = s.Current.Label
		}
		fmt.Printf("  %s: %s (format: %s, pending: %d, listeners: %d, current: %s)\n",
			s.Name, s.State, s.Format, len(s.Pending), s.Listeners, current)
	}
}

func paths(ctx context.Context, client *apiconnect.Client) {
	resp, err := client.ListPaths(ctx, &apiconnect.ListPathsRequest{})
	if err != nil {
		fail(err)
	}

	fmt.Printf("Paths (%d):\n", len(resp.Paths))
	for _, p := range resp.Paths {
		ready := "not ready"
		if p.Ready {
			ready = "ready"
		}
		fmt.Printf("  %s: %s (source: %s, readers: %d)\n", p.URL, ready, p.SourceType, p.Readers)
	}
}

func watch(ctx context.Context, client *apiconnect.Client) {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ws, err := client.Watch(ctx, &apiconnect.WatchRequest{Session: *session})
	if err != nil {
		fail(err)
	}
	defer ws.Close()

	fmt.Println("Watching queue events. Press Ctrl+C to exit.")
	for ws.Receive() {
		printNotification(ws.Msg())
	}

	if err := ws.Err(); err != nil && ctx.Err() == nil {
		fmt.Printf("Stream error: %v\n", err)
	}
}

func printStatus(s apiconnect.SessionStatus) {
	fmt.Printf("Session: %s\n", s.Name)
	fmt.Printf("State: %s\n", s.State)
	fmt.Printf("Format: %s\n", s.Format)
	fmt.Printf("Volume: %.2f\n", s.Volume)
	fmt.Printf("Listeners: %d\n", s.Listeners)
	fmt.Printf("Watchers: %d\n", s.Subscribers)

	if s.Current != nil {
		fmt.Printf("\nCurrently Playing:\n")
		printItem(*s.Current)
		if s.Current.StartedAt != nil {
			fmt.Printf("  Elapsed: %s\n", time.Since(*s.Current.StartedAt).Truncate(time.Second))
		}
	} else {
		fmt.Println("\nNothing currently playing")
	}

	if len(s.Pending) > 0 {
		fmt.Printf("\nPending (%d):\n", len(s.Pending))
		for i, item := range s.Pending {
			fmt.Printf("  %d. %s (%s)\n", i+1, item.Label, item.Input)
		}
	}
}

func printItem(item apiconnect.ItemInfo) {
	fmt.Printf("  ID: %s\n", item.ID)
	fmt.Printf("  Label: %s\n", item.Label)
	fmt.Printf("  Input: %s\n", item.Input)
	fmt.Printf("  Source: %s\n", item.SourceType)
	fmt.Printf("  Attempts: %d\n", item.Attempts)
	if item.Standby {
		fmt.Println("  Standby: yes")
	}
}

func printNotification(n *apiconnect.Notification) {
	fmt.Printf("[%d] %s %s state=%s", n.SequenceNo, n.Time.Format(time.TimeOnly), n.Type, n.State)
	if n.Label != "" {
		fmt.Printf(" label=%q", n.Label)
	}
	if n.Error != "" {
		fmt.Printf(" error=%q", n.Error)
	}
	fmt.Println()
}
