package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/dmakasi/mahudhurio/core/session"
	"github.com/dmakasi/mahudhurio/services/backend"
)

var (
	readPasswordFunc = term.ReadPassword // mockable

	errHelp = errors.New("help provided")
)

type commandLine struct {
	sess  session.Service
	users *backend.UserService // optional; whoami falls back to the cached identity
	guard *guard
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  login -username USERNAME - sign in; the password will be prompted next")
	fmt.Println("  logout                   - sign out and clear the stored session")
	fmt.Println("  status                   - show session state")
	fmt.Println("  whoami                   - show the signed-in user")
	fmt.Println("  permissions              - list effective permissions")
	fmt.Println("  refresh                  - refresh permissions from the backend")
	fmt.Println("  open -screen SCREEN      - resolve navigation to a screen")
	fmt.Println("  screens                  - list known screens")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	loginCmd := flag.NewFlagSet("login", flag.ExitOnError)
	loginUname := loginCmd.String("username", "", "The username. The password will be prompted next.")

	openCmd := flag.NewFlagSet("open", flag.ExitOnError)
	openScreen := openCmd.String("screen", "", "The screen path, e.g. /absences.")

	switch args[1] {
	case "login":
		if err := loginCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *loginUname == "" {
			loginCmd.Usage()
			return errHelp
		}
		fmt.Print("Enter password:")
		pwd, err := readPasswordFunc(syscall.Stdin)
		fmt.Println()
		if err != nil {
			return err
		}
		return cli.login(*loginUname, string(pwd))
	case "logout":
		cli.sess.Logout()
		fmt.Println("signed out")
		return nil
	case "status":
		return cli.status()
	case "whoami":
		return cli.whoami()
	case "permissions":
		return cli.permissions()
	case "refresh":
		cli.sess.RefreshPermissions(context.Background())
		return cli.permissions()
	case "open":
		if err := openCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *openScreen == "" {
			openCmd.Usage()
			return errHelp
		}
		return cli.open(*openScreen)
	case "screens":
		fmt.Println(screenLogin)
		for screen := range screenPermissions {
			fmt.Println(screen)
		}
		return nil
	default:
		cli.printUsage()
		return errHelp
	}
}

func (cli *commandLine) login(uname, pwd string) error {
	if ok := cli.sess.Login(context.Background(), uname, pwd); !ok {
		return errors.New(cli.sess.Err())
	}

	// give the background permission fetch a moment so the first
	// status output reflects backend grants
	deadline := time.Now().Add(3 * time.Second)
	for cli.sess.Loading() && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	ident, _ := cli.sess.Current()
	fmt.Printf("signed in as %s (%s)\n", ident.Username, ident.Role)
	if resume := cli.sess.TakeResumePath(); resume != "" {
		fmt.Printf("returning to %s\n", resume)
	}
	return nil
}

func (cli *commandLine) status() error {
	fmt.Printf("state: %s\n", cli.sess.State())
	if !cli.sess.BackendAvailable() {
		fmt.Println("backend: unreachable (using fallback permissions)")
	}
	if msg := cli.sess.Err(); msg != "" {
		fmt.Printf("error: %s\n", msg)
	}
	return nil
}

func (cli *commandLine) whoami() error {
	ident, ok := cli.sess.Current()
	if !ok {
		return errors.New("not signed in")
	}
	// prefer the backend's canonical record when reachable
	if cli.users != nil && cli.sess.BackendAvailable() {
		if acct, err := cli.users.Me(context.Background()); err == nil {
			fmt.Printf("%s <%s> role=%s\n", acct.Username, acct.Email, ident.Role)
			return nil
		}
	}
	fmt.Printf("%s <%s> role=%s\n", ident.Username, ident.Email, ident.Role)
	return nil
}

func (cli *commandLine) permissions() error {
	if !cli.sess.IsAuthenticated() {
		return errors.New("not signed in")
	}
	for _, perm := range cli.sess.Permissions().Sorted() {
		fmt.Println(perm)
	}
	return nil
}

func (cli *commandLine) open(screen string) error {
	res := cli.guard.resolve(screen)
	switch res.action {
	case actionAllow:
		fmt.Printf("-> %s\n", screen)
	case actionRedirectLogin:
		fmt.Printf("-> %s (sign in first)\n", res.redirectTo)
	case actionRedirectDashboard:
		fmt.Printf("-> %s\n", res.redirectTo)
		select {
		case msg := <-cli.guard.Notices():
			fmt.Println(msg)
		default:
		}
	}
	return nil
}
