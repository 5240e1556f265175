// Command cvsh is an interactive shell for browsing and editing an
// encrypted virtual filesystem container (§6).
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/cvfsdev/cvfs/container"
	"github.com/cvfsdev/cvfs/folder"
	"github.com/cvfsdev/cvfs/vfile"
)

func main() {
	app := &cli.App{
		Name:      "cvsh",
		Usage:     "interactive shell over an encrypted virtual filesystem container",
		ArgsUsage: "<imageName>",
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  "coffee",
				Usage: "open the hidden volume rooted at the given block index instead of the primary one",
			},
			&cli.UintFlag{
				Name:  "content-size",
				Value: uint(folder.DefaultContentSize),
				Usage: "live-entry cap per folder bucket, must match the value used at creation",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "cvsh:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: cvsh [flags] <imageName>")
	}
	imageName := c.Args().Get(0)

	fmt.Fprint(os.Stderr, "Password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	opts := []container.Option{container.WithContentSize(int(c.Uint("content-size")))}

	var cv *container.Container
	var fs *container.Filesystem
	if c.IsSet("coffee") {
		hidden := c.Uint64("coffee")
		cv, err = container.OpenHidden(imageName, password, hidden, opts...)
		if err != nil {
			return fmt.Errorf("open %s: %w", imageName, err)
		}
		fs, err = cv.HiddenFilesystem()
	} else {
		cv, err = container.Open(imageName, password, opts...)
		if err != nil {
			return fmt.Errorf("open %s: %w", imageName, err)
		}
		fs, err = cv.Filesystem()
	}
	if err != nil {
		return fmt.Errorf("resolve filesystem: %w", err)
	}
	defer cv.Close()

	sh := &shell{fs: fs, cwd: nil}
	return sh.loop(os.Stdin, os.Stdout)
}

// shell tracks the current folder as a stack of path components, so
// push/pop can descend and ascend without reparsing an absolute path
// each time (§6).
type shell struct {
	fs  *container.Filesystem
	cwd []string
}

func (s *shell) path() string {
	if len(s.cwd) == 0 {
		return "/"
	}
	return "/" + strings.Join(s.cwd, "/")
}

func (s *shell) resolve(arg string) string {
	if strings.HasPrefix(arg, "/") {
		return arg
	}
	if len(s.cwd) == 0 {
		return "/" + arg
	}
	return "/" + strings.Join(s.cwd, "/") + "/" + arg
}

func (s *shell) loop(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	fmt.Fprintf(out, "%s> ", s.path())
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			if err := s.dispatch(line, out); err != nil {
				if err == errQuit {
					return nil
				}
				fmt.Fprintln(out, "error:", err)
			}
		}
		fmt.Fprintf(out, "%s> ", s.path())
	}
	return scanner.Err()
}

var errQuit = fmt.Errorf("quit")

func (s *shell) dispatch(line string, out io.Writer) error {
	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "quit", "exit":
		return errQuit
	case "pwd":
		fmt.Fprintln(out, s.path())
		return nil
	case "ls":
		path := s.path()
		if len(args) > 0 {
			path = s.resolve(args[0])
		}
		entries, err := s.fs.List(path)
		if err != nil {
			return err
		}
		for _, e := range entries {
			kind := "f"
			if e.Kind == folder.KindFolder {
				kind = "d"
			}
			fmt.Fprintf(out, "%s %10d %s\n", kind, e.Size, e.Name)
		}
		return nil
	case "cd":
		if len(args) != 1 {
			return fmt.Errorf("usage: cd <path>")
		}
		target := s.resolve(args[0])
		exists, err := s.fs.FolderExists(target)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: no such folder", target)
		}
		s.cwd = splitClean(target)
		return nil
	case "push":
		if len(args) != 1 {
			return fmt.Errorf("usage: push <name>")
		}
		target := s.resolve(args[0])
		exists, err := s.fs.FolderExists(target)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("%s: no such folder", target)
		}
		s.cwd = append(s.cwd, args[0])
		return nil
	case "pop":
		if len(s.cwd) == 0 {
			return fmt.Errorf("already at /")
		}
		s.cwd = s.cwd[:len(s.cwd)-1]
		return nil
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("usage: mkdir <path>")
		}
		_, err := s.fs.AddFolder(s.resolve(args[0]))
		return err
	case "rm":
		if len(args) != 1 {
			return fmt.Errorf("usage: rm <path>")
		}
		path := s.resolve(args[0])
		if exists, err := s.fs.FolderExists(path); err != nil {
			return err
		} else if exists {
			return s.fs.RemoveFolder(path, container.Recursive)
		}
		return s.fs.RemoveFile(path)
	case "add":
		if len(args) != 1 || !strings.HasPrefix(args[0], "file://") {
			return fmt.Errorf("usage: add file://<host-path>")
		}
		return s.addFile(strings.TrimPrefix(args[0], "file://"))
	case "extract":
		if len(args) != 2 || !strings.HasPrefix(args[1], "file://") {
			return fmt.Errorf("usage: extract <path> file://<host-dir>/")
		}
		return s.extractFile(s.resolve(args[0]), strings.TrimPrefix(args[1], "file://"))
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func splitClean(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func (s *shell) addFile(hostPath string) error {
	src, err := os.Open(hostPath)
	if err != nil {
		return err
	}
	defer src.Close()

	name := s.resolve(hostBaseName(hostPath))
	if _, err := s.fs.AddFile(name); err != nil {
		return err
	}
	dst, err := s.fs.OpenFile(name, vfile.WriteOverwrite)
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, src)
	return err
}

func (s *shell) extractFile(path, hostDir string) error {
	src, err := s.fs.OpenFile(path, vfile.ReadOnly)
	if err != nil {
		return err
	}
	dst, err := os.Create(strings.TrimSuffix(hostDir, "/") + "/" + hostBaseName(path))
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

func hostBaseName(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
