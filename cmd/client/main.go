package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/fenggwsx/roomcast/internal/client"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/protocol"
)

const requestTimeout = 10 * time.Second

func main() {
	cfg := config.LoadClientConfig()

	rootCmd := &cobra.Command{
		Use:           "roomcast",
		Short:         "Command-line client for a roomcast server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&cfg.ServerAddr, "server", "s", cfg.ServerAddr, "Server address")

	rootCmd.AddCommand(
		registerCmd(&cfg),
		listCmd(&cfg),
		createRoomCmd(&cfg),
		deleteRoomCmd(&cfg),
		chatCmd(&cfg),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

type credentials struct {
	username string
	password string
}

func (c *credentials) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&c.username, "user", "u", "", "Username")
	cmd.Flags().StringVarP(&c.password, "password", "p", "", "Password")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("password")
}

func registerCmd(cfg *config.ClientConfig) *cobra.Command {
	var creds credentials
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), *cfg, func(ctx context.Context, s *client.Session) error {
				resp, err := s.Register(ctx, creds.username, creds.password)
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), resp)
			})
		},
	}
	creds.bind(cmd)
	return cmd
}

func listCmd(cfg *config.ClientConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List rooms",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), *cfg, func(ctx context.Context, s *client.Session) error {
				resp, err := s.List(ctx)
				if err != nil {
					return err
				}
				if resp.Code != protocol.CodeOK {
					return report(cmd.OutOrStdout(), resp)
				}
				if len(resp.Rooms) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No rooms.")
				}
				for _, room := range resp.Rooms {
					fmt.Fprintf(cmd.OutOrStdout(), "%d\t%s\n", room.RoomID, room.RoomName)
				}
				return nil
			})
		},
	}
}

func createRoomCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		creds       credentials
		description string
		roomPass    string
	)
	cmd := &cobra.Command{
		Use:   "create-room NAME",
		Short: "Create a room (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogin(cmd.Context(), *cfg, creds, func(ctx context.Context, s *client.Session) error {
				resp, err := s.CreateRoom(ctx, args[0], description, roomPass)
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), resp)
			})
		},
	}
	creds.bind(cmd)
	cmd.Flags().StringVarP(&description, "description", "d", "", "Room description")
	cmd.Flags().StringVar(&roomPass, "room-password", "", "Room password")
	_ = cmd.MarkFlagRequired("room-password")
	return cmd
}

func deleteRoomCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		creds  credentials
		roomID uint
	)
	cmd := &cobra.Command{
		Use:   "delete-room",
		Short: "Delete a room and disconnect its occupants (admin only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLogin(cmd.Context(), *cfg, creds, func(ctx context.Context, s *client.Session) error {
				resp, err := s.DeleteRoom(ctx, roomID)
				if err != nil {
					return err
				}
				return report(cmd.OutOrStdout(), resp)
			})
		},
	}
	creds.bind(cmd)
	cmd.Flags().UintVar(&roomID, "room", 0, "Room ID")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func chatCmd(cfg *config.ClientConfig) *cobra.Command {
	var (
		creds    credentials
		roomID   uint
		roomPass string
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join a room and relay stdin lines to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			return withLogin(cmd.Context(), *cfg, creds, func(ctx context.Context, s *client.Session) error {
				joinCtx, cancel := context.WithTimeout(ctx, requestTimeout)
				resp, err := s.JoinRoom(joinCtx, roomID, roomPass)
				cancel()
				if err != nil {
					return err
				}
				if err := report(out, resp); err != nil {
					return err
				}
				if resp.History != "" {
					fmt.Fprintln(out, resp.History)
				}

				go relayInput(ctx, cmd.InOrStdin(), s)
				return printPushes(ctx, out, s)
			})
		},
	}
	creds.bind(cmd)
	cmd.Flags().UintVar(&roomID, "room", 0, "Room ID")
	cmd.Flags().StringVar(&roomPass, "room-password", "", "Room password")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func relayInput(ctx context.Context, in io.Reader, s *client.Session) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "/quit" {
			_ = s.Disconnect(ctx)
			return
		}
		if err := s.SendMessage(ctx, line); err != nil {
			return
		}
	}
	_ = s.Disconnect(ctx)
}

func printPushes(ctx context.Context, out io.Writer, s *client.Session) error {
	for {
		push, err := s.NextPush(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		switch push.Action {
		case protocol.ActionMessage:
			fmt.Fprintln(out, push.Message)
		default:
			fmt.Fprintf(out, "[%s] %s\n", push.Action, push.Message)
		}
	}
}

func withSession(ctx context.Context, cfg config.ClientConfig, fn func(context.Context, *client.Session) error) error {
	s, err := client.Dial(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func withLogin(ctx context.Context, cfg config.ClientConfig, creds credentials, fn func(context.Context, *client.Session) error) error {
	return withSession(ctx, cfg, func(ctx context.Context, s *client.Session) error {
		loginCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		resp, err := s.Login(loginCtx, creds.username, creds.password)
		cancel()
		if err != nil {
			return err
		}
		if resp.Code != protocol.CodeOK {
			return fmt.Errorf("login: %s", resp.Message)
		}
		return fn(ctx, s)
	})
}

func report(out io.Writer, resp protocol.Response) error {
	if resp.Code != protocol.CodeOK {
		return fmt.Errorf("%d: %s", resp.Code, resp.Message)
	}
	if resp.Message != "" {
		fmt.Fprintln(out, resp.Message)
	}
	return nil
}
