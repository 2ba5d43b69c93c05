package main

import (
	"flag"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"vault/internal/client"
)

const usage = `usage: vault <command> [options] [arguments]

available commands: login logout ls mkdir rmdir cp fetch

remote paths are marked with a leading colon, e.g. :docs/report.pdf;
a path starting with :/ is absolute, otherwise relative to the home
directory.

  login -u <user> -p <password> [-s <server>]
  logout
  ls [-l] [-d] [names...]
  mkdir [-p] [-v] <names...>
  rmdir [-p] [-v] <names...>
  cp [-o] [-r] [-v] <sources...> <dest>
  fetch [-O <file>] [-P <dir>] [-c <code>] <url|id>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "login":
		err = cmdLogin(args)
	case "logout":
		err = cmdLogout(args)
	case "ls":
		err = cmdLs(args)
	case "mkdir":
		err = cmdMkdir(args)
	case "rmdir":
		err = cmdRmdir(args)
	case "cp":
		err = cmdCp(args)
	case "fetch":
		err = cmdFetch(args)
	case "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "invalid command %s\n", cmd)
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(server string) (*client.Client, error) {
	return client.New(server)
}

func cmdLogin(args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	user := fs.String("u", "", "username")
	pass := fs.String("p", "", "password")
	server := fs.String("s", "", "server base url")
	fs.Parse(args)

	if *user == "" || *pass == "" {
		return fmt.Errorf("user name and password are required")
	}

	c, err := newClient(*server)
	if err != nil {
		return err
	}
	ok, err := c.Login(*user, *pass)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("login failed")
	}
	fmt.Println("logged in")
	return nil
}

func cmdLogout(args []string) error {
	c, err := newClient("")
	if err != nil {
		return err
	}
	return c.Logout()
}

func cmdLs(args []string) error {
	fs := flag.NewFlagSet("ls", flag.ExitOnError)
	long := fs.Bool("l", false, "long format")
	dirOnly := fs.Bool("d", false, "list directories themselves, not their contents")
	fs.Parse(args)

	c, err := newClient("")
	if err != nil {
		return err
	}
	res, err := c.Ls(fs.Args(), *long, *dirOnly)
	if err != nil {
		return err
	}

	if *long {
		entries, err := res.Entries()
		if err != nil {
			return err
		}
		printLong(entries)
	} else {
		names, err := res.Names()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
	}

	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	if !res.Status {
		os.Exit(1)
	}
	return nil
}

// printLong renders entries in an ls -l style with the size column
// right-aligned.
func printLong(entries []client.NodeInfo) {
	width := 1
	for _, e := range entries {
		if n := len(fmt.Sprintf("%d", e.Size)); n > width {
			width = n
		}
	}
	for _, e := range entries {
		kind := "-"
		if !e.Regular {
			kind = "d"
		}
		fmt.Printf("%s %s %*d %s %s\n",
			kind, e.Owner, width, e.Size,
			e.Time.Format("2006-01-02 15:04"), e.Name)
	}
}

func cmdMkdir(args []string) error {
	return batchCmd("mkdir", args, "created directory: %s\n",
		func(c *client.Client, names []string, parents bool) (*client.BatchResponse, error) {
			return c.Mkdir(names, parents)
		})
}

func cmdRmdir(args []string) error {
	return batchCmd("rmdir", args, "removing directory: %s\n",
		func(c *client.Client, names []string, parents bool) (*client.BatchResponse, error) {
			return c.Rmdir(names, parents)
		})
}

func batchCmd(name string, args []string, verboseFmt string,
	call func(*client.Client, []string, bool) (*client.BatchResponse, error)) error {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	parents := fs.Bool("p", false, "create/remove parents as needed")
	verbose := fs.Bool("v", false, "report each directory")
	fs.Parse(args)

	if len(fs.Args()) == 0 {
		return fmt.Errorf("no names given")
	}

	c, err := newClient("")
	if err != nil {
		return err
	}
	res, err := call(c, fs.Args(), *parents)
	if err != nil {
		return err
	}

	if *verbose {
		for _, out := range res.Output {
			fmt.Printf(verboseFmt, out)
		}
	}
	for _, e := range res.Errors {
		fmt.Fprintf(os.Stderr, "error: %s\n", e)
	}
	if !res.Status {
		os.Exit(1)
	}
	return nil
}

// isRemote reports whether a cp argument names a remote path.
func isRemote(arg string) bool {
	return strings.HasPrefix(arg, ":")
}

func remotePath(arg string) string {
	return strings.TrimPrefix(arg, ":")
}

func cmdCp(args []string) error {
	fs := flag.NewFlagSet("cp", flag.ExitOnError)
	instant := fs.Bool("o", false, "skip uploading content the server already holds")
	recurse := fs.Bool("r", false, "copy directories recursively")
	verbose := fs.Bool("v", false, "report each transfer")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) < 2 {
		return fmt.Errorf("cp needs sources and a destination")
	}
	sources, dest := rest[:len(rest)-1], rest[len(rest)-1]

	c, err := newClient("")
	if err != nil {
		return err
	}

	if isRemote(dest) {
		return upload(c, sources, remotePath(dest), *instant, *recurse, *verbose)
	}
	return download(c, sources, dest, *recurse, *verbose)
}

func upload(c *client.Client, sources []string, remoteDir string, instant, recurse, verbose bool) error {
	for _, s := range sources {
		if isRemote(s) {
			return fmt.Errorf("cannot mix remote sources with a remote destination")
		}
	}

	parsed, err := client.ParseLocalPaths(sources)
	if err != nil {
		return err
	}
	if !recurse {
		for _, p := range parsed {
			if p.Kind == client.PathDir {
				return fmt.Errorf("%s is a directory (use -r)", p.FullPath)
			}
		}
	}

	items, dirs, err := client.FlattenForUpload(parsed, remoteDir)
	if err != nil {
		return err
	}

	if len(dirs) > 0 {
		if _, err := c.Mkdir(dirs, true); err != nil {
			return err
		}
	}

	for _, item := range items {
		info, err := c.Upload(item.LocalPath, item.RemoteDir, instant)
		if err != nil {
			return fmt.Errorf("upload %s: %w", item.LocalPath, err)
		}
		if verbose {
			fmt.Printf("uploaded %s -> :%s (%d bytes)\n",
				item.LocalPath, path.Join(item.RemoteDir, info.Name), info.Size)
		}
	}
	return nil
}

func download(c *client.Client, sources []string, localDir string, recurse, verbose bool) error {
	for _, s := range sources {
		if !isRemote(s) {
			return fmt.Errorf("%s: download sources must be remote paths", s)
		}
	}

	for _, s := range sources {
		if err := downloadOne(c, remotePath(s), localDir, recurse, verbose); err != nil {
			return err
		}
	}
	return nil
}

func downloadOne(c *client.Client, remote, localDir string, recurse, verbose bool) error {
	res, err := c.Ls([]string{remote}, true, true)
	if err != nil {
		return err
	}
	if !res.Status {
		return fmt.Errorf("%s: %s", remote, strings.Join(res.Errors, "; "))
	}
	entries, err := res.Entries()
	if err != nil || len(entries) == 0 {
		return fmt.Errorf("%s: not found", remote)
	}
	node := entries[0]

	if !node.Regular {
		if !recurse {
			return fmt.Errorf("%s is a directory (use -r)", remote)
		}
		return downloadDir(c, remote, filepath.Join(localDir, node.Name), verbose)
	}

	if err := os.MkdirAll(localDir, 0755); err != nil {
		return err
	}
	dest := filepath.Join(localDir, node.Name)
	if err := c.Download(fmt.Sprintf("%d", node.ID), dest, "", ""); err != nil {
		return err
	}
	if verbose {
		fmt.Printf("downloaded :%s -> %s\n", remote, dest)
	}
	return nil
}

func downloadDir(c *client.Client, remote, localDir string, verbose bool) error {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return err
	}

	res, err := c.Ls([]string{remote}, true, false)
	if err != nil {
		return err
	}
	entries, err := res.Entries()
	if err != nil {
		return err
	}

	for _, e := range entries {
		child := remote + "/" + e.Name
		if e.Regular {
			dest := filepath.Join(localDir, e.Name)
			if err := c.Download(fmt.Sprintf("%d", e.ID), dest, "", ""); err != nil {
				return err
			}
			if verbose {
				fmt.Printf("downloaded :%s -> %s\n", child, dest)
			}
		} else {
			if err := downloadDir(c, child, filepath.Join(localDir, e.Name), verbose); err != nil {
				return err
			}
		}
	}
	return nil
}

func cmdFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	out := fs.String("O", "", "save as this file")
	prefix := fs.String("P", "", "directory to save into")
	codeFlag := fs.String("c", "", "extraction code")
	fs.Parse(args)

	if len(fs.Args()) != 1 {
		return fmt.Errorf("fetch needs exactly one url or node id")
	}
	raw := fs.Args()[0]

	code := *codeFlag
	if code == "" {
		code = client.CodeFromURL(raw)
	}

	c, err := newClient("")
	if err != nil {
		return err
	}

	dest := *out
	if dest == "" && *prefix != "" {
		if err := os.MkdirAll(*prefix, 0755); err != nil {
			return err
		}
	}

	if err := c.Download(raw, dest, *prefix, code); err != nil {
		return err
	}
	return nil
}
