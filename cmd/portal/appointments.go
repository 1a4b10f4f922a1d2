package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/perplexed-me/pulse-iq-sub000/internal/domain/appointment"
)

func appointmentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "appointments",
		Short: "List or cancel appointments",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the caller's appointments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCLIApp(cmd, func(ctx context.Context, a *app) error {
				return listAppointments(ctx, cmd.OutOrStdout(), a.appointments)
			})
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an appointment and notify the other party",
		RunE: func(cmd *cobra.Command, args []string) error {
			id, _ := cmd.Flags().GetInt64("id")
			reason, _ := cmd.Flags().GetString("reason")
			as, _ := cmd.Flags().GetString("as")
			role, ok := appointment.ParseRole(as)
			if !ok {
				return fmt.Errorf("--as must be doctor or patient, got %q", as)
			}
			return withCLIApp(cmd, func(ctx context.Context, a *app) error {
				return cancelAppointment(ctx, cmd.OutOrStdout(), a.appointments, id, role, reason)
			})
		},
	}
	cancelCmd.Flags().Int64("id", 0, "Appointment id")
	cancelCmd.Flags().String("reason", "", "Cancellation reason")
	cancelCmd.Flags().String("as", "doctor", "Acting role (doctor or patient)")
	_ = cancelCmd.MarkFlagRequired("id")

	cmd.AddCommand(listCmd, cancelCmd)
	return cmd
}

func listAppointments(ctx context.Context, out io.Writer, svc *appointment.Service) error {
	appts, err := svc.List(ctx)
	if err != nil {
		return err
	}
	if len(appts) == 0 {
		fmt.Fprintln(out, "No appointments.")
		return nil
	}
	for _, ap := range appts {
		fmt.Fprintf(out, "[%d] %s  %s  patient=%s doctor=%s\n",
			ap.AppointmentID, ap.AppointmentDate, ap.Status, ap.PatientName, ap.DoctorName)
	}
	return nil
}

func cancelAppointment(ctx context.Context, out io.Writer, svc *appointment.Service, id int64, by appointment.Role, reason string) error {
	appt, err := svc.Cancel(ctx, id, by, reason)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Appointment %d cancelled.\n", appt.AppointmentID)
	return nil
}
