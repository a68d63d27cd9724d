package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const PasswordEnv = "TIWUT_PASSWORD"

// ReadPassword returns TIWUT_PASSWORD when set. Otherwise it prompts on
// out and reads a line from in, without echo when in is a terminal.
func ReadPassword(prompt string, in *os.File, out io.Writer) (string, error) {
	if pw, ok := os.LookupEnv(PasswordEnv); ok {
		return pw, nil
	}

	_, _ = fmt.Fprint(out, prompt)
	if term.IsTerminal(int(in.Fd())) {
		b, err := term.ReadPassword(int(in.Fd()))
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(b), nil
	}

	line, err := readLine(in)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	return line, nil
}

// readLine reads up to and including the next newline one byte at a
// time, so a second prompt on the same input still sees its own line.
func readLine(r io.Reader) (string, error) {
	var sb strings.Builder
	b := make([]byte, 1)
	for {
		n, err := r.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			sb.WriteByte(b[0])
		}
		if errors.Is(err, io.EOF) {
			if sb.Len() == 0 {
				return "", io.ErrUnexpectedEOF
			}
			break
		}
		if err != nil {
			return "", err
		}
	}
	return strings.TrimSuffix(sb.String(), "\r"), nil
}
