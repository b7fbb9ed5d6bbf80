// mentorchatctl manages session credentials and inspects the local archive.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"mentorchat/internal/archive"
	"mentorchat/internal/session"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "login":
		err = runLogin(os.Args[2:])
	case "logout":
		err = runLogout(os.Args[2:])
	case "search":
		err = runSearch(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: mentorchatctl <command> [flags]

commands:
  login    store platform credentials for a session
  logout   remove stored credentials
  search   full-text search the local message archive`)
}

func runLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	sessionFlag := fs.String("session", "", "session name (overrides config default)")
	token := fs.String("token", "", "platform API token")
	userID := fs.Int64("user-id", 0, "local user id")
	name := fs.String("name", "", "display name")
	mobile := fs.String("mobile", "", "contact number")
	accountType := fs.String("account-type", "student", "account type (student or mentor)")
	_ = fs.Parse(args)

	if *token == "" || *userID == 0 {
		return fmt.Errorf("login requires -token and -user-id")
	}

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}

	creds := &session.Credentials{
		Token:       *token,
		UserID:      *userID,
		Name:        *name,
		Mobile:      *mobile,
		AccountType: *accountType,
	}
	if err := session.SaveCredentials(sessionName, creds); err != nil {
		return err
	}
	fmt.Printf("credentials stored for session %q\n", sessionName)
	return nil
}

func runLogout(args []string) error {
	fs := flag.NewFlagSet("logout", flag.ExitOnError)
	sessionFlag := fs.String("session", "", "session name (overrides config default)")
	_ = fs.Parse(args)

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}
	if err := os.Remove(session.CredentialsPath(sessionName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	fmt.Printf("credentials removed for session %q\n", sessionName)
	return nil
}

func runSearch(args []string) error {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	sessionFlag := fs.String("session", "", "session name (overrides config default)")
	conversation := fs.Int64("conversation", 0, "restrict to one conversation id")
	limit := fs.Int("limit", 20, "max results")
	_ = fs.Parse(args)

	if fs.NArg() == 0 {
		return fmt.Errorf("search requires a query")
	}
	query := fs.Arg(0)

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		return err
	}

	db, err := archive.Open(session.ArchiveDBPath(sessionName))
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if _, err := db.Migrate(); err != nil {
		return err
	}

	results, err := db.SearchMessages(query, *conversation, *limit)
	if err != nil {
		return err
	}
	for _, r := range results {
		ts := time.UnixMilli(r.Message.CreatedAt).Format("2006-01-02 15:04")
		fmt.Printf("[%s] #%d %s: %s\n", ts, r.Message.ConversationID, r.Message.SenderName, r.Snippet)
	}
	if len(results) == 0 {
		fmt.Println("no matches")
	}
	return nil
}
