package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"procodus.dev/solarwatch/internal/solar"
)

// fleetFile is the YAML layout accepted by "sites import".
type fleetFile struct {
	Sites []solar.Site `yaml:"sites"`
}

// loadFleet reads sites from a YAML fleet file.
func loadFleet(path string) ([]solar.Site, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fleet file: %w", err)
	}

	var fleet fleetFile
	if err := yaml.Unmarshal(data, &fleet); err != nil {
		return nil, fmt.Errorf("failed to parse fleet file: %w", err)
	}

	if len(fleet.Sites) == 0 {
		return nil, fmt.Errorf("fleet file %s lists no sites", path)
	}
	return fleet.Sites, nil
}

var sitesCmd = &cobra.Command{
	Use:   "sites",
	Short: "Manage solar sites in the store",
}

var sitesImportCmd = &cobra.Command{
	Use:   "import FILE",
	Short: "Insert every site of a YAML fleet file",
	Long: `Insert every site of a YAML fleet file of the form

  sites:
    - id: 1
      capacity: 4.5
      panels: 12
      city: Oakland
      coordinate: {lat: 37.8, lng: -122.27}

Sites that already exist are updated when --update is set and skipped otherwise.`,
	Args:    cobra.ExactArgs(1),
	PreRunE: bindStoreFlags,
	RunE:    runSitesImport,
}

var sitesListCmd = &cobra.Command{
	Use:     "list",
	Short:   "List every site",
	Args:    cobra.NoArgs,
	PreRunE: bindStoreFlags,
	RunE:    runSitesList,
}

var sitesDeleteCmd = &cobra.Command{
	Use:     "delete ID...",
	Short:   "Delete sites and everything indexed for them",
	Args:    cobra.MinimumNArgs(1),
	PreRunE: bindStoreFlags,
	RunE:    runSitesDelete,
}

func init() {
	rootCmd.AddCommand(sitesCmd)
	sitesCmd.AddCommand(sitesImportCmd, sitesListCmd, sitesDeleteCmd)

	for _, c := range []*cobra.Command{sitesImportCmd, sitesListCmd, sitesDeleteCmd} {
		storeFlags(c)
	}
	sitesImportCmd.Flags().Bool("update", false, "update sites that already exist")
}

func runSitesImport(cmd *cobra.Command, args []string) error {
	logger := GetLogger("solarwatch-sites")
	ctx := commandContext(cmd)

	sites, err := loadFleet(args[0])
	if err != nil {
		return err
	}

	update, err := cmd.Flags().GetBool("update")
	if err != nil {
		return err
	}

	core, closeStore, err := openCore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var inserted, updated, skipped int
	for _, site := range sites {
		err := core.InsertSite(ctx, site)
		switch {
		case err == nil:
			inserted++
		case errors.Is(err, solar.ErrDuplicateSite) && update:
			if err := core.UpdateSite(ctx, site); err != nil {
				return fmt.Errorf("failed to update site %d: %w", site.ID, err)
			}
			updated++
		case errors.Is(err, solar.ErrDuplicateSite):
			skipped++
		default:
			return fmt.Errorf("failed to insert site %d: %w", site.ID, err)
		}
	}

	logger.Info("fleet imported",
		"file", args[0],
		"inserted", inserted,
		"updated", updated,
		"skipped", skipped,
	)
	return nil
}

func runSitesList(cmd *cobra.Command, _ []string) error {
	logger := GetLogger("solarwatch-sites")
	ctx := commandContext(cmd)

	core, closeStore, err := openCore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	sites, err := core.ListSites(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCAPACITY\tPANELS\tCITY\tSTATE\tLAT\tLNG")
	for _, s := range sites {
		lat, lng := "-", "-"
		if s.Coordinate != nil {
			lat = strconv.FormatFloat(s.Coordinate.Lat, 'f', 5, 64)
			lng = strconv.FormatFloat(s.Coordinate.Lng, 'f', 5, 64)
		}
		fmt.Fprintf(w, "%d\t%g\t%d\t%s\t%s\t%s\t%s\n", s.ID, s.Capacity, s.Panels, s.City, s.State, lat, lng)
	}
	return w.Flush()
}

func runSitesDelete(cmd *cobra.Command, args []string) error {
	logger := GetLogger("solarwatch-sites")
	ctx := commandContext(cmd)

	ids := make([]int64, len(args))
	for i, arg := range args {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil || id <= 0 {
			return fmt.Errorf("invalid site id %q", arg)
		}
		ids[i] = id
	}

	core, closeStore, err := openCore(ctx, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeStore() }()

	var errs []error
	for _, id := range ids {
		if err := core.DeleteSite(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("site %d: %w", id, err))
			continue
		}
		logger.Info("site deleted", "site_id", id)
	}
	return errors.Join(errs...)
}
