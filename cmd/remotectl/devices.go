package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/mattjoyce/remotectl/internal/command"
)

// --- files ---

func runFilesNoun(args []string) int {
	if len(args) < 1 {
		printFilesNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printFilesNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "ls":
		return runFilesList(args[1:])
	case "get":
		return runFilesGet(args[1:])
	case "rm":
		return runFilesRemove(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown files action: %s\n", args[0])
		printFilesNounHelp(os.Stderr)
		return exitError
	}
}

func printFilesNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: remotectl files <action> --device ID")
	fmt.Fprintln(w, "Actions: ls, get, rm")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  ls [path]                       Empty path lists the device's drives")
	fmt.Fprintln(w, "  get <path> [--out DIR] [--force]")
	fmt.Fprintln(w, "  rm <path> [--refresh]           --refresh lists the parent directory afterwards")
}

func runFilesList(args []string) int {
	fs, cf := newFlagSet("files ls", true)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if !cf.requireDevice() {
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	return a.listDirectory(ctx, cf, strings.Join(fs.Args(), " "))
}

func (a *app) listDirectory(ctx context.Context, cf *clientFlags, path string) int {
	_, res, err := a.send(ctx, cf.deviceID, command.ListDirectory{Path: path}, cf.timeout)
	if err != nil {
		return exitCodeFor(err)
	}
	listing, err := command.DecodeDirectoryListing(res.Content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unreadable listing: %v\n", err)
		return exitError
	}
	if cf.jsonOut {
		return printJSON(listing)
	}
	printListing(listing)
	return exitOK
}

func printListing(listing command.DirectoryListing) {
	files := append([]command.FileEntry(nil), listing.Files...)
	sort.SliceStable(files, func(i, j int) bool {
		if files[i].IsDir() != files[j].IsDir() {
			return files[i].IsDir()
		}
		return strings.ToLower(files[i].Name) < strings.ToLower(files[j].Name)
	})

	if listing.CurrentPath != "" {
		fmt.Printf("%s\n\n", listing.CurrentPath)
	}
	if len(files) == 0 {
		fmt.Println("(empty)")
		return
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	for _, f := range files {
		size := humanSize(f.Size)
		name := f.Name
		if f.IsDir() {
			size = "<dir>"
			name += "/"
		}
		fmt.Fprintf(tw, "%s\t%s\n", size, name)
	}
	_ = tw.Flush()
}

func runFilesGet(args []string) int {
	fs, cf := newFlagSet("files get", true)
	outDir := fs.StringP("out", "o", ".", "Directory to save the file into")
	force := fs.Bool("force", false, "Overwrite an existing local file")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl files get <path> --device ID [--out DIR]")
		return exitError
	}
	if !cf.requireDevice() {
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	_, res, err := a.send(ctx, cf.deviceID, command.GetFile{Path: strings.Join(fs.Args(), " ")}, cf.timeout)
	if err != nil {
		return exitCodeFor(err)
	}
	file, err := command.DecodeFileDownload(res.Content, res.Metadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unreadable download: %v\n", err)
		return exitError
	}

	dest := filepath.Join(*outDir, baseName(file.Filename))
	if !*force {
		if _, err := os.Stat(dest); err == nil {
			fmt.Fprintf(os.Stderr, "%s exists (use --force to overwrite)\n", dest)
			return exitError
		}
	}
	if err := os.MkdirAll(*outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	if err := os.WriteFile(dest, file.Data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitError
	}
	fmt.Printf("Saved %s (%s)\n", dest, humanSize(int64(len(file.Data))))
	return exitOK
}

func runFilesRemove(args []string) int {
	fs, cf := newFlagSet("files rm", true)
	refresh := fs.Bool("refresh", false, "List the parent directory after deleting")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl files rm <path> --device ID [--refresh]")
		return exitError
	}
	if !cf.requireDevice() {
		return exitError
	}
	path := strings.Join(fs.Args(), " ")

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	if _, _, err := a.send(ctx, cf.deviceID, command.DeleteFile{Path: path}, cf.timeout); err != nil {
		return exitCodeFor(err)
	}
	if !cf.jsonOut {
		fmt.Printf("Deleted %s\n", path)
	}
	if !*refresh {
		return exitOK
	}
	// The agent only acknowledges the delete; a fresh listing is a second
	// command with its own window.
	return a.listDirectory(ctx, cf, parentDir(path))
}

// parentDir returns the directory holding path on the device. Device paths
// may use either separator. A path with no parent yields "", which lists the
// drives.
func parentDir(path string) string {
	p := strings.TrimRight(path, `\/`)
	i := strings.LastIndexAny(p, `\/`)
	if i < 0 {
		return ""
	}
	// Keep the separator after a drive letter: C:\file -> C:\
	if i > 0 && p[i-1] == ':' {
		return p[:i+1]
	}
	if i == 0 {
		return p[:1]
	}
	return p[:i]
}

// baseName strips any device directory from name so a download lands
// inside the output directory.
func baseName(name string) string {
	if i := strings.LastIndexAny(name, `\/`); i >= 0 {
		name = name[i+1:]
	}
	if name == "" || name == "." || name == ".." {
		return command.DefaultDownloadName
	}
	return name
}

// --- processes ---

func runProcessesNoun(args []string) int {
	if len(args) < 1 {
		printProcessesNounHelp(os.Stderr)
		return exitError
	}
	if isHelpToken(args[0]) {
		printProcessesNounHelp(os.Stdout)
		return exitOK
	}

	switch args[0] {
	case "ls":
		return runProcessesList(args[1:])
	case "kill":
		return runProcessesKill(args[1:])
	case "windows":
		return runProcessesWindows(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown processes action: %s\n", args[0])
		printProcessesNounHelp(os.Stderr)
		return exitError
	}
}

func printProcessesNounHelp(w *os.File) {
	fmt.Fprintln(w, "Usage: remotectl processes <action> --device ID")
	fmt.Fprintln(w, "Actions: ls, kill, windows")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "  ls [--sort memory|name|pid] [--top N]")
	fmt.Fprintln(w, "  kill <pid|name> [--no-check]    Protected processes are refused")
	fmt.Fprintln(w, "  windows                         Top-level windows with their owning process")
}

func (a *app) processList(ctx context.Context, cf *clientFlags) (command.ProcessList, int) {
	_, res, err := a.send(ctx, cf.deviceID, command.Empty{K: command.KindGetRunningProcesses}, cf.timeout)
	if err != nil {
		return command.ProcessList{}, exitCodeFor(err)
	}
	list, err := command.DecodeProcessList(res.Content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unreadable process list: %v\n", err)
		return command.ProcessList{}, exitError
	}
	return list, exitOK
}

func runProcessesList(args []string) int {
	fs, cf := newFlagSet("processes ls", true)
	sortBy := fs.String("sort", "memory", "Sort by memory, name or pid")
	top := fs.Int("top", 0, "Show only the first N rows")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if !cf.requireDevice() {
		return exitError
	}
	if *sortBy != "memory" && *sortBy != "name" && *sortBy != "pid" {
		fmt.Fprintf(os.Stderr, "Error: unknown sort %q\n", *sortBy)
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	list, code := a.processList(ctx, cf)
	if code != exitOK {
		return code
	}
	procs := sortProcesses(list.Processes, *sortBy)
	if *top > 0 && len(procs) > *top {
		procs = procs[:*top]
	}
	if cf.jsonOut {
		return printJSON(command.ProcessList{Processes: procs})
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tNAME\tMEMORY\tPROTECTED")
	for _, p := range procs {
		protected := ""
		if p.Protected() {
			protected = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", p.PID, p.Name, humanSize(p.Memory), protected)
	}
	_ = tw.Flush()
	return exitOK
}

func sortProcesses(in []command.Process, by string) []command.Process {
	procs := append([]command.Process(nil), in...)
	sort.SliceStable(procs, func(i, j int) bool {
		switch by {
		case "name":
			return strings.ToLower(procs[i].Name) < strings.ToLower(procs[j].Name)
		case "pid":
			return procs[i].PID < procs[j].PID
		default:
			return procs[i].Memory > procs[j].Memory
		}
	})
	return procs
}

func runProcessesKill(args []string) int {
	fs, cf := newFlagSet("processes kill", true)
	noCheck := fs.Bool("no-check", false, "Skip looking the pid up in a fresh process list")
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: remotectl processes kill <pid|name> --device ID")
		return exitError
	}
	if !cf.requireDevice() {
		return exitError
	}

	target := fs.Arg(0)
	var p command.KillProcess
	if pid, err := strconv.Atoi(target); err == nil {
		p.PID = pid
	} else {
		p.Name = target
	}
	if err := p.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Refused: %v\n", err)
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	// A pid says nothing about what it is; resolve it so protected
	// processes are refused by pid too.
	if p.PID != 0 && !*noCheck {
		list, code := a.processList(ctx, cf)
		if code != exitOK {
			return code
		}
		name, found := processName(list, p.PID)
		if !found {
			fmt.Fprintf(os.Stderr, "No process with pid %d\n", p.PID)
			return exitError
		}
		if command.IsProtectedProcess(name) {
			fmt.Fprintf(os.Stderr, "Refused: process %q (pid %d) is protected\n", name, p.PID)
			return exitError
		}
	}

	if _, _, err := a.send(ctx, cf.deviceID, p, cf.timeout); err != nil {
		return exitCodeFor(err)
	}
	fmt.Printf("Killed %s\n", target)
	return exitOK
}

func processName(list command.ProcessList, pid int) (string, bool) {
	for _, p := range list.Processes {
		if p.PID == pid {
			return p.Name, true
		}
	}
	return "", false
}

func runProcessesWindows(args []string) int {
	fs, cf := newFlagSet("processes windows", true)
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if !cf.requireDevice() {
		return exitError
	}

	ctx, stop := signalContext()
	defer stop()
	a, ok := openClient(ctx, cf)
	if !ok {
		return exitError
	}
	defer a.Close()

	_, res, err := a.send(ctx, cf.deviceID, command.Empty{K: command.KindGetOpenWindows}, cf.timeout)
	if err != nil {
		return exitCodeFor(err)
	}
	list, err := command.DecodeWindowList(res.Content)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unreadable window list: %v\n", err)
		return exitError
	}
	if cf.jsonOut {
		return printJSON(list)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PID\tPROCESS\tTITLE")
	for _, w := range list.Windows {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", w.PID, w.Process, w.Title)
	}
	_ = tw.Flush()
	return exitOK
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGT"[exp])
}
