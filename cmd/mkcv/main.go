// Command mkcv creates a new encrypted virtual filesystem container
// image (§6).
package main

import (
	"fmt"
	"os"
	"strconv"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"github.com/cvfsdev/cvfs/cipher"
	"github.com/cvfsdev/cvfs/container"
	"github.com/cvfsdev/cvfs/folder"
)

func readPassword(prompt string) ([]byte, error) {
	fmt.Fprint(os.Stderr, prompt)
	pw, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	return pw, nil
}

func main() {
	app := &cli.App{
		Name:      "mkcv",
		Usage:     "create a new encrypted virtual filesystem container",
		ArgsUsage: "<imageName> <blockCount>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "cipher",
				Value: "aes",
				Usage: "stream cipher: aes, twofish, serpent, rc6, mars, cast256, camellia, rc5, shacal2, null",
			},
			&cli.BoolFlag{
				Name:  "sparse",
				Usage: "only materialize block slots on first write",
			},
			&cli.Uint64Flag{
				Name:  "coffee",
				Usage: "reserve a second, hidden root folder at the given block index",
			},
			&cli.UintFlag{
				Name:  "content-size",
				Value: uint(folder.DefaultContentSize),
				Usage: "live-entry cap per folder bucket",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "mkcv:", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	if c.NArg() != 2 {
		return fmt.Errorf("usage: mkcv [flags] <imageName> <blockCount>")
	}
	imageName := c.Args().Get(0)
	blockCount, err := strconv.ParseUint(c.Args().Get(1), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid block count %q: %w", c.Args().Get(1), err)
	}

	id, err := cipher.ParseID(c.String("cipher"))
	if err != nil {
		return err
	}

	password, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	confirm, err := readPassword("Confirm password: ")
	if err != nil {
		return err
	}
	if string(password) != string(confirm) {
		return fmt.Errorf("passwords do not match")
	}

	opts := []container.Option{
		container.WithCipher(id),
		container.WithSparse(c.Bool("sparse")),
		container.WithContentSize(int(c.Uint("content-size"))),
	}
	if c.IsSet("coffee") {
		opts = append(opts, container.WithHiddenRoot(c.Uint64("coffee")))
	}

	cv, err := container.Create(imageName, blockCount, password, opts...)
	if err != nil {
		return fmt.Errorf("create %s: %w", imageName, err)
	}
	defer cv.Close()

	fmt.Printf("created %s: %d blocks, cipher=%s\n", imageName, blockCount, id)
	return nil
}
