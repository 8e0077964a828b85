package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/stemsi/exstem-proctor/internal/service"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a candidate token for a session",
	Long: `Token signs a candidate JWT with JWT_SECRET. It is meant for local testing;
production tokens are issued by the scheduling service.`,
	RunE: runToken,
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.Flags().String("session", "", "Session ID (generated when empty)")
	tokenCmd.Flags().String("candidate", "", "Candidate ID")
	tokenCmd.Flags().Duration("ttl", 4*time.Hour, "Token lifetime")
}

func runToken(cmd *cobra.Command, args []string) error {
	e, err := loadEnv(cmd)
	if err != nil {
		return err
	}
	rawID, _ := cmd.Flags().GetString("session")
	candidate, _ := cmd.Flags().GetString("candidate")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	if candidate == "" {
		return fmt.Errorf("candidate ID is required (use --candidate)")
	}
	if ttl <= 0 {
		return fmt.Errorf("--ttl must be positive, got %s", ttl)
	}

	sessionID := uuid.New()
	if rawID != "" {
		if sessionID, err = uuid.Parse(rawID); err != nil {
			return fmt.Errorf("invalid session ID %q: %w", rawID, err)
		}
	}

	token, err := service.NewAuthService(e.cfg).GenerateCandidateToken(sessionID, candidate, ttl)
	if err != nil {
		return err
	}

	if e.format == "json" {
		return json.NewEncoder(e.out).Encode(map[string]string{
			"session_id": sessionID.String(),
			"token":      token,
		})
	}
	fmt.Fprintf(e.out, "Session: %s\nToken:   %s\n", sessionID, token)
	return nil
}
