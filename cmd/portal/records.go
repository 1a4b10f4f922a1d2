package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/recordaccess"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/apiclient"
	"github.com/perplexed-me/pulse-iq-sub000/internal/platform/auth"
)

func recordsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "records",
		Short: "Browse and download a patient's test results",
	}

	typesCmd := &cobra.Command{
		Use:   "test-types",
		Short: "List the test types a patient has uploaded",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			return withCLIApp(cmd, func(ctx context.Context, a *app) error {
				return listTestTypes(ctx, cmd.OutOrStdout(), a, patient)
			})
		},
	}
	typesCmd.Flags().String("patient", "", "Patient id")
	_ = typesCmd.MarkFlagRequired("patient")

	accessCmd := &cobra.Command{
		Use:   "access",
		Short: "Request an OTP, verify it and download results",
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			testType, _ := cmd.Flags().GetString("type")
			dir, _ := cmd.Flags().GetString("dir")
			return withCLIApp(cmd, func(ctx context.Context, a *app) error {
				doctorID, err := auth.DoctorIDFromToken(ctx, tokenProvider(a.cfg))
				if err != nil {
					return err
				}
				if dir == "" {
					dir = a.cfg.DownloadDir
				}
				s := &accessSession{
					app:      a,
					key:      recordaccess.SessionKey{DoctorID: doctorID, PatientID: patient},
					testType: testType,
					saver:    recordaccess.DirSaver{Dir: dir},
					in:       bufio.NewScanner(cmd.InOrStdin()),
					out:      cmd.OutOrStdout(),
				}
				return s.run(ctx)
			})
		},
	}
	accessCmd.Flags().String("patient", "", "Patient id")
	accessCmd.Flags().String("type", "", "Only list and download results of this test type")
	accessCmd.Flags().String("dir", "", "Download directory (defaults to DOWNLOAD_DIR)")
	_ = accessCmd.MarkFlagRequired("patient")

	cmd.AddCommand(typesCmd, accessCmd)
	return cmd
}

// withCLIApp loads config, wires the app with the local doctor's token and
// runs fn. Background side effects are flushed before returning.
func withCLIApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg, os.Stderr)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger, tokenProvider(cfg), nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func listTestTypes(ctx context.Context, out io.Writer, a *app, patientID string) error {
	types, err := a.catalog.ListTestTypes(ctx, patientID)
	if err != nil {
		return err
	}
	if len(types) == 0 {
		fmt.Fprintln(out, "No test results uploaded for this patient.")
		return nil
	}
	for _, t := range types {
		fmt.Fprintln(out, t)
	}
	return nil
}

// accessSession is one interactive pass through the OTP dialog.
type accessSession struct {
	app      *app
	key      recordaccess.SessionKey
	testType string
	saver    recordaccess.Saver
	in       *bufio.Scanner
	out      io.Writer
}

var errAborted = errors.New("aborted")

func (s *accessSession) prompt(label string) (string, error) {
	fmt.Fprint(s.out, label)
	if !s.in.Scan() {
		if err := s.in.Err(); err != nil {
			return "", err
		}
		return "", errAborted
	}
	return strings.TrimSpace(s.in.Text()), nil
}

func (s *accessSession) run(ctx context.Context) error {
	gate := s.app.gate

	if err := listTestTypes(ctx, s.out, s.app, s.key.PatientID); err != nil {
		return err
	}
	if _, err := gate.RequestAccess(ctx, s.key); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OTP sent to patient's email. Ask the patient for the code (type 'cancel' to stop).")

	var groups []recordaccess.ResultGroup
	for {
		code, err := s.prompt("OTP: ")
		if errors.Is(err, errAborted) || strings.EqualFold(code, "cancel") {
			gate.CancelAccess(ctx, s.key)
			fmt.Fprintln(s.out, "Request cancelled.")
			return nil
		}
		if err != nil {
			return err
		}

		_, groups, err = gate.VerifyAccess(ctx, s.key, code)
		if err == nil {
			break
		}
		if errors.Is(err, recordaccess.ErrEmptyCode) || apiclient.StatusOf(err) == 400 {
			fmt.Fprintln(s.out, err.Error())
			continue
		}
		return err
	}
	defer gate.Dismiss(s.key)

	groups = filterGroups(groups, s.testType)
	printGroups(s.out, groups)
	if len(groups) == 0 {
		return nil
	}

	for {
		choice, err := s.prompt("Download test id (empty to finish): ")
		if errors.Is(err, errAborted) || choice == "" {
			return nil
		}
		if err != nil {
			return err
		}
		id, err := strconv.ParseInt(choice, 10, 64)
		if err != nil {
			fmt.Fprintln(s.out, "Not a test id.")
			continue
		}
		result, ok := s.app.catalog.Find(s.key, id)
		if !ok {
			fmt.Fprintln(s.out, "No such test in the list.")
			continue
		}

		saved, err := gate.Download(ctx, s.key, recordaccess.DownloadTarget{
			TestID:   id,
			TestType: downloadType(s.testType, result),
			Filename: result.DefaultFilename(),
		}, s.saver)
		switch {
		case err == nil:
			fmt.Fprintf(s.out, "Saved %s (%s)\n", saved.Location, recordaccess.FormatFileSize(saved.Size))
		case errors.Is(err, recordaccess.ErrAccessExpired), apiclient.IsAuthError(err):
			fmt.Fprintln(s.out, "Access expired. Request a new OTP to continue.")
			return nil
		default:
			fmt.Fprintln(s.out, "Download failed: "+err.Error())
		}
	}
}

// downloadType picks the by-type endpoint with the backend's spelling of the
// type when the listing was filtered by type.
func downloadType(filter string, r recordaccess.TestResultSummary) string {
	if filter == "" {
		return ""
	}
	return r.TestType
}

func filterGroups(groups []recordaccess.ResultGroup, testType string) []recordaccess.ResultGroup {
	if testType == "" {
		return groups
	}
	out := []recordaccess.ResultGroup{}
	for _, g := range groups {
		if strings.EqualFold(g.TestType, testType) {
			out = append(out, g)
		}
	}
	return out
}

func printGroups(out io.Writer, groups []recordaccess.ResultGroup) {
	if len(groups) == 0 {
		fmt.Fprintln(out, "No test results found.")
		return
	}
	for _, g := range groups {
		fmt.Fprintf(out, "%s (%d)\n", g.TestType, len(g.Results))
		for _, r := range g.Results {
			date := "-"
			if !r.UploadedAt.IsZero() {
				date = r.UploadedAt.Format("2006-01-02 15:04")
			}
			name := r.TestName
			if name == "" {
				name = r.DefaultFilename()
			}
			fmt.Fprintf(out, "  [%d] %s  %s  %s\n", r.TestID, name, date, recordaccess.FormatFileSize(r.FileSize))
		}
	}
}
