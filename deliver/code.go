package deliver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/pithecene-io/courier/types"
)

// CodeSource obtains an OAuth2 authorization code from the operator.
type CodeSource interface {
	Code(ctx context.Context, authURL string) (string, error)
}

// CodeFunc adapts a function to CodeSource.
type CodeFunc func(ctx context.Context, authURL string) (string, error)

// Code implements CodeSource.
func (f CodeFunc) Code(ctx context.Context, authURL string) (string, error) {
	return f(ctx, authURL)
}

// TerminalCodeSource prints the authorization URL and reads back the
// redirect URL (or bare code) the operator pastes. It refuses to prompt
// when stdin is not a terminal, so unattended runs fail fast.
type TerminalCodeSource struct {
	In  *os.File
	Out io.Writer
}

// NewTerminalCodeSource reads from stdin and prompts on stderr.
func NewTerminalCodeSource() *TerminalCodeSource {
	return &TerminalCodeSource{In: os.Stdin, Out: os.Stderr}
}

// Code implements CodeSource.
func (s *TerminalCodeSource) Code(ctx context.Context, authURL string) (string, error) {
	if s.In == nil || !term.IsTerminal(int(s.In.Fd())) {
		return "", types.NewError(types.ErrAuthentication, types.ReasonAuthInteractiveRequired, "oauth login",
			errors.New("no terminal attached; run `courier login` interactively"))
	}

	fmt.Fprintf(s.Out, "Open this URL in a browser and log in:\n\n  %s\n\n", authURL)
	fmt.Fprint(s.Out, "Paste the URL you were redirected to (or the code): ")

	type line struct {
		text string
		err  error
	}
	ch := make(chan line, 1)
	go func() {
		text, err := bufio.NewReader(s.In).ReadString('\n')
		ch <- line{text, err}
	}()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case l := <-ch:
		if l.err != nil && l.text == "" {
			return "", types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth login", l.err)
		}
		return ParseCode(l.text)
	}
}

// ParseCode extracts the authorization code from a pasted redirect URL
// (e.g. "epublishing://login?code=abc") or returns the trimmed input
// when it is a bare code.
func ParseCode(input string) (string, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return "", types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth login",
			errors.New("empty authorization code"))
	}
	if !strings.Contains(input, "code=") {
		return input, nil
	}

	query := input
	if u, err := url.Parse(input); err == nil && u.RawQuery != "" {
		query = u.RawQuery
	} else if i := strings.IndexByte(input, '?'); i >= 0 {
		query = input[i+1:]
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return "", types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth login", err)
	}
	if msg := values.Get("error"); msg != "" {
		return "", types.NewError(types.ErrAuthentication, types.ReasonAuthRejected, "oauth login",
			fmt.Errorf("authorization denied: %s", msg))
	}
	code := values.Get("code")
	if code == "" {
		return "", types.NewError(types.ErrAuthentication, types.ReasonAuthFailed, "oauth login",
			errors.New("redirect URL carries no code"))
	}
	return code, nil
}
