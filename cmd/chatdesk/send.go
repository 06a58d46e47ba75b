package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatdesk/internal/chat"
)

const maxImageBytes = 5 << 20

func newSendCmd(opts *rootOptions) *cobra.Command {
	var images []string

	cmd := &cobra.Command{
		Use:   "send <session> <text>...",
		Short: "Send a message and wait for the reply",
		Long:  "Sends a message to a session and prints the exchange once the assistant answers. When no answer arrives in time a fallback reply is shown.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, opts, false, func(ctx context.Context, rt *runtime) error {
				encoded, err := encodeImages(images)
				if err != nil {
					return err
				}
				_, conv, err := openConversation(ctx, rt, args[0])
				if err != nil {
					return err
				}
				ex, err := conv.Send(ctx, strings.Join(args[1:], " "), encoded)
				if err != nil {
					return err
				}
				if _, err := ex.Wait(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), rt.render.Transcript(lastExchange(conv.Messages())))
				return nil
			})
		},
	}
	cmd.Flags().StringArrayVarP(&images, "image", "i", nil, "attach an image file (repeatable)")
	return cmd
}

// encodeImages reads each file as a base64 data url.
func encodeImages(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read image: %w", err)
		}
		if len(raw) > maxImageBytes {
			return nil, fmt.Errorf("image %s is larger than %d MiB", p, maxImageBytes>>20)
		}
		mime := http.DetectContentType(raw)
		if !strings.HasPrefix(mime, "image/") {
			return nil, fmt.Errorf("%s is not an image (%s)", p, mime)
		}
		out = append(out, "data:"+mime+";base64,"+base64.StdEncoding.EncodeToString(raw))
	}
	return out, nil
}

// lastExchange returns the trailing user message and whatever followed it.
func lastExchange(msgs []chat.Message) []chat.Message {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role() == chat.RoleUser {
			return msgs[i:]
		}
	}
	return msgs
}
