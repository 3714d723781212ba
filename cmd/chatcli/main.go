package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"asyncchat/internal/poller"
)

var rootCmd = &cobra.Command{
	Use:   "chatcli <message>",
	Short: "Send a chat message and wait for the assistant reply",
	Long: `chatcli posts one message to the chat API and then polls the
conversation until the assistant reply appears or the wait bound elapses.
A timeout is reported as "no reply yet": the turn may still be retrying
server-side.`,
	Args: cobra.MinimumNArgs(1),
	RunE: run,
}

func init() {
	rootCmd.Flags().String("api-url", "", "chat API base URL")
	rootCmd.Flags().String("user", "", "user identifier")
	rootCmd.Flags().String("session", "", "session identifier (generated when empty)")
	rootCmd.Flags().Duration("interval", 2*time.Second, "poll interval")
	rootCmd.Flags().Duration("timeout", 30*time.Second, "maximum time to wait for the reply")

	viper.SetEnvPrefix("chatcli")
	viper.AutomaticEnv()
	_ = viper.BindPFlag("api_url", rootCmd.Flags().Lookup("api-url"))
	_ = viper.BindPFlag("user", rootCmd.Flags().Lookup("user"))
	_ = viper.BindPFlag("session", rootCmd.Flags().Lookup("session"))
	_ = viper.BindPFlag("interval", rootCmd.Flags().Lookup("interval"))
	_ = viper.BindPFlag("timeout", rootCmd.Flags().Lookup("timeout"))
}

func run(cmd *cobra.Command, args []string) error {
	apiURL := viper.GetString("api_url")
	if apiURL == "" {
		return fmt.Errorf("api-url is required (flag --api-url or CHATCLI_API_URL)")
	}
	user := viper.GetString("user")
	if user == "" {
		return fmt.Errorf("user is required (flag --user or CHATCLI_USER)")
	}
	session := viper.GetString("session")
	if session == "" {
		session = uuid.NewString()
		cmd.Printf("session: %s\n", session)
	}

	client, err := poller.NewAPIClient(apiURL)
	if err != nil {
		return err
	}
	wait, err := poller.New(client,
		poller.WithInterval(viper.GetDuration("interval")),
		poller.WithTimeout(viper.GetDuration("timeout")),
	)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	sent, err := client.Send(ctx, user, session, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("send failed: %w", err)
	}

	reply, err := wait.WaitForReply(ctx, user, session, sent.Timestamp)
	if err != nil {
		return err
	}
	if reply == nil {
		status, statusErr := client.SessionStatus(ctx, user, session)
		if statusErr == nil && status.Status == "error" {
			cmd.Println("no reply: the turn failed after all retries")
			return nil
		}
		cmd.Println("no reply yet; try listing messages again later")
		return nil
	}

	cmd.Printf("%s\n", reply.Content)
	if reply.Metadata.LatencyMS > 0 {
		cmd.Printf("(%s, %dms, %d in / %d out tokens)\n",
			reply.Model, reply.Metadata.LatencyMS,
			reply.Metadata.InputTokens, reply.Metadata.OutputTokens)
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
