// Command token issues a signed access token for a principal, for operators
// and local testing.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"crm-realtime/internal/auth"
	"crm-realtime/internal/config"
	"crm-realtime/internal/models"
)

func main() {
	sub := flag.String("sub", "", "principal id")
	role := flag.String("role", string(models.RoleAgent), "customer, agent, bot or system")
	name := flag.String("name", "", "display name")
	ttl := flag.Duration("ttl", 12*time.Hour, "token lifetime")
	flag.Parse()

	if *sub == "" {
		fmt.Fprintln(os.Stderr, "-sub is required")
		os.Exit(2)
	}
	if !models.Role(*role).Valid() {
		fmt.Fprintf(os.Stderr, "unknown role %q\n", *role)
		os.Exit(2)
	}

	cfg := config.Load()
	token, err := auth.NewJWT(cfg.JWTSecret, cfg.JWTIssuer).Issue(models.Principal{
		ID:   *sub,
		Role: models.Role(*role),
		Name: *name,
	}, *ttl)
	if err != nil {
		fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(token)
}
