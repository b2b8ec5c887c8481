// walkerctl is the command line client of the walker API.
package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/seantiz/walker/internal/auth"
	"github.com/seantiz/walker/internal/config"
	"github.com/seantiz/walker/internal/model"
)

const defaultURL = "http://localhost:8080"

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  walkerctl token -user <id> [-name <name>] [-ttl <duration, default WALKER_TOKEN_TTL>]")
	fmt.Fprintln(os.Stderr, "  walkerctl submit -f <job.yaml> [-async]")
	fmt.Fprintln(os.Stderr, "  walkerctl get [job-id]")
	fmt.Fprintln(os.Stderr, "  walkerctl scripts add -name <name> -f <file> [-language shell]")
	fmt.Fprintln(os.Stderr, "  walkerctl scripts list")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "Environment: WALKER_URL, WALKER_TOKEN, WALKER_JWT_SECRET")
	os.Exit(2)
}

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	var err error
	switch os.Args[1] {
	case "token":
		err = runToken(os.Args[2:])
	case "submit":
		err = runSubmit(os.Args[2:])
	case "get":
		err = runGet(os.Args[2:])
	case "scripts":
		err = runScripts(os.Args[2:])
	default:
		usage()
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "walkerctl:", err)
		os.Exit(1)
	}
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "user id (token subject)")
	name := fs.String("name", "", "display name")
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ttl := fs.Duration("ttl", cfg.TokenTTL, "token lifetime")
	fs.Parse(args)

	if cfg.JWTSecret == "" {
		return errors.New("WALKER_JWT_SECRET is not set")
	}
	tok, err := auth.IssueToken([]byte(cfg.JWTSecret), model.Identity{UserID: *user, Name: *name}, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runSubmit(args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	file := fs.String("f", "", "job manifest (YAML)")
	async := fs.Bool("async", false, "return without waiting for the job")
	fs.Parse(args)

	if *file == "" {
		return errors.New("-f is required")
	}
	data, err := os.ReadFile(*file)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	body, err := parseManifest(data)
	if err != nil {
		return err
	}

	path := "/v1/jobs"
	if *async {
		path = "/v1/jobs/async"
	}
	return call(http.MethodPost, path, body)
}

func runGet(args []string) error {
	if len(args) > 0 {
		return call(http.MethodGet, "/v1/jobs/"+args[0], nil)
	}
	return call(http.MethodGet, "/v1/jobs", nil)
}

func runScripts(args []string) error {
	if len(args) == 0 {
		usage()
	}
	switch args[0] {
	case "list":
		return call(http.MethodGet, "/v1/scripts", nil)
	case "add":
		fs := flag.NewFlagSet("scripts add", flag.ExitOnError)
		name := fs.String("name", "", "script name")
		file := fs.String("f", "", "script file")
		lang := fs.String("language", "", "script language")
		fs.Parse(args[1:])

		if *name == "" || *file == "" {
			return errors.New("-name and -f are required")
		}
		src, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		return call(http.MethodPost, "/v1/scripts", map[string]string{
			"name":     *name,
			"body":     string(src),
			"language": *lang,
		})
	}
	usage()
	return nil
}

// call sends the request and pretty-prints the JSON response.
func call(method, path string, body any) error {
	base := strings.TrimRight(os.Getenv("WALKER_URL"), "/")
	if base == "" {
		base = defaultURL
	}

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, base+path, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if tok := os.Getenv("WALKER_TOKEN"); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	var out bytes.Buffer
	if json.Indent(&out, raw, "", "  ") != nil {
		out.Reset()
		out.Write(raw)
	}
	fmt.Println(strings.TrimSpace(out.String()))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("server returned %s", resp.Status)
	}
	return nil
}
