package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/harunnryd/callscribe/pkg/scribe"
	"github.com/harunnryd/callscribe/pkg/transports"
	twiliotransport "github.com/harunnryd/callscribe/pkg/transports/twilio"
)

// make_call places an outbound call whose audio is streamed back to a running
// callscribe server for transcription.
func main() {
	configPath := flag.String("config", "", "")
	from := flag.String("from", "", "")
	to := flag.String("to", "", "")
	voiceURL := flag.String("voice_url", "", "")
	sendDigits := flag.String("send_digits", "", "")
	inline := flag.Bool("inline", false, "stream media directly without the voice webhook")
	flag.Parse()
	if *from == "" || *to == "" {
		fmt.Println("usage: make_call -from=+123 -to=+456 [-config=...]")
		os.Exit(1)
	}
	cfg, err := scribe.LoadConfig(*configPath)
	if err != nil {
		fmt.Println("config error:", err)
		os.Exit(1)
	}
	if *voiceURL == "" && cfg.Server.PublicURL == "" {
		fmt.Println("server.public_url is empty")
		os.Exit(1)
	}
	dialer := twiliotransport.NewDialer(twiliotransport.Config{
		AccountSID:         cfg.Twilio.AccountSID,
		AuthToken:          cfg.Twilio.AuthToken,
		PublicURL:          cfg.Server.PublicURL,
		VoicePath:          cfg.Server.VoicePath,
		StatusCallbackPath: cfg.Server.StatusPath,
		MediaPath:          cfg.Server.MediaPath,
		Track:              cfg.Media.Track,
		VoiceGreeting:      cfg.Server.VoiceGreeting,
	})
	callSID, err := dialer.DialWithOptions(context.Background(), *to, *from, *voiceURL, transports.DialOptions{SendDigits: *sendDigits, Inline: *inline})
	if err != nil {
		fmt.Println("call error:", err)
		os.Exit(1)
	}
	fmt.Println("call_sid:", callSID)
}
