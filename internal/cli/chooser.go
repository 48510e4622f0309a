package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/roach88/rfusync/internal/api"
)

// promptChooser asks which dossier to file an upload under. An empty
// answer cancels.
type promptChooser struct {
	in  *bufio.Reader
	out io.Writer
}

func newPromptChooser(in io.Reader, out io.Writer) *promptChooser {
	return &promptChooser{in: bufio.NewReader(in), out: out}
}

// terminalChooser returns a chooser when in is an interactive terminal.
func terminalChooser(in io.Reader, out io.Writer) (*promptChooser, bool) {
	f, ok := in.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil, false
	}
	return newPromptChooser(in, out), true
}

func (c *promptChooser) Choose(ref string, matches []api.Dossier) (api.Dossier, bool, error) {
	fmt.Fprintf(c.out, "Several dossiers match %q:\n", ref)
	for i, d := range matches {
		fmt.Fprintf(c.out, "  %d) %s  id %s  office %s  zone %s\n", i+1, d.Reference, d.ID, d.Office, d.Zone)
	}
	for {
		fmt.Fprintf(c.out, "Dossier [1-%d, empty to cancel]: ", len(matches))
		line, err := c.in.ReadString('\n')
		answer := strings.TrimSpace(line)
		if answer == "" {
			if err != nil && err != io.EOF {
				return api.Dossier{}, false, fmt.Errorf("read choice: %w", err)
			}
			return api.Dossier{}, false, nil
		}
		n, convErr := strconv.Atoi(answer)
		if convErr == nil && n >= 1 && n <= len(matches) {
			return matches[n-1], true, nil
		}
		if err != nil {
			return api.Dossier{}, false, nil
		}
		fmt.Fprintf(c.out, "%q is not a choice\n", answer)
	}
}
