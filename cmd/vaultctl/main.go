package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"LeverVault/internal/config"
	"LeverVault/internal/ingestion"
	"LeverVault/internal/ledger"
	fpmath "LeverVault/internal/math"
	"LeverVault/internal/observability"
	"LeverVault/internal/oracle"
	"LeverVault/internal/vault"
	"LeverVault/internal/venue"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "vaultctl",
		Short:        "Operator tooling for LeverVault",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("config", "", "config file path")

	encodeCmd := &cobra.Command{
		Use:   "encode",
		Short: "Build an invocation and print it, or publish it to the instruction stream",
		RunE:  runEncode,
	}
	encodeCmd.Flags().String("instruction", "", "instruction name, e.g. MintLeverageToken")
	encodeCmd.Flags().String("program-id", "", "base58 program id")
	encodeCmd.Flags().StringArray("account", nil, "account as KEY[:w][:s], in instruction order")
	encodeCmd.Flags().Uint64("quantity", 0, "mint/redeem quantity")
	encodeCmd.Flags().Uint64("nonce", 0, "InitGroup signer nonce")
	encodeCmd.Flags().String("leverage", "0", "AddLeverageToken target leverage")
	encodeCmd.Flags().String("price", "0", "SetStubOraclePrice price")
	encodeCmd.Flags().Int64("timestamp-us", 0, "invocation timestamp in unix microseconds (default now)")
	encodeCmd.Flags().Bool("publish", false, "publish to NATS instead of printing")
	encodeCmd.Flags().String("nats-url", "", "NATS server URL (default from config)")
	root.AddCommand(encodeCmd)

	authorityCmd := &cobra.Command{
		Use:   "authority",
		Short: "Derive a group's signing authority",
		RunE:  runAuthority,
	}
	authorityCmd.Flags().String("group", "", "base58 group key")
	authorityCmd.Flags().String("program-id", "", "base58 program id")
	authorityCmd.Flags().Int64("nonce", -1, "nonce to verify; negative searches for one")
	root.AddCommand(authorityCmd)

	oracleCmd := &cobra.Command{
		Use:   "oracle <account-data-file>",
		Short: "Classify an oracle account dump and print its normalized price",
		Args:  cobra.ExactArgs(1),
		RunE:  runOracle,
	}
	oracleCmd.Flags().Uint8("quote-decimals", 6, "decimals of the quote token")
	root.AddCommand(oracleCmd)

	simCmd := &cobra.Command{
		Use:   "venue-sim <fixture.json>",
		Short: "Serve an in-memory venue over NATS request/reply",
		Args:  cobra.ExactArgs(1),
		RunE:  runVenueSim,
	}
	simCmd.Flags().String("nats-url", "", "NATS server URL (default from config)")
	simCmd.Flags().String("venue-prefix", "", "venue subject prefix (default from config)")
	root.AddCommand(simCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfgFile, _ := cmd.Flags().GetString("config")
	return config.Load(cfgFile, cmd.Flags())
}

func runEncode(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.ProgramID.IsZero() {
		return fmt.Errorf("program-id is required")
	}

	name, _ := cmd.Flags().GetString("instruction")
	kind, err := vault.ParseInstructionKind(name)
	if err != nil {
		return err
	}
	ix := vault.Instruction{Kind: kind}
	ix.Quantity, _ = cmd.Flags().GetUint64("quantity")
	ix.SignerNonce, _ = cmd.Flags().GetUint64("nonce")
	lev, _ := cmd.Flags().GetString("leverage")
	if ix.TargetLeverage, err = fpmath.Parse(lev); err != nil {
		return err
	}
	price, _ := cmd.Flags().GetString("price")
	if ix.Price, err = fpmath.Parse(price); err != nil {
		return err
	}

	specs, _ := cmd.Flags().GetStringArray("account")
	metas, err := parseAccounts(specs)
	if err != nil {
		return err
	}
	if len(metas) < kind.NumAccounts() {
		return fmt.Errorf("%s needs %d accounts, got %d", kind, kind.NumAccounts(), len(metas))
	}

	ts := time.Now().UTC()
	if us, _ := cmd.Flags().GetInt64("timestamp-us"); us > 0 {
		ts = time.UnixMicro(us).UTC()
	}

	inv := &vault.Invocation{
		ID:        uuid.New(),
		ProgramID: cfg.ProgramID,
		Accounts:  metas,
		Data:      ix.Encode(),
		Timestamp: ts,
	}
	data, err := ingestion.MarshalInvocation(inv)
	if err != nil {
		return err
	}

	if publish, _ := cmd.Flags().GetBool("publish"); !publish {
		fmt.Println(string(data))
		return nil
	}

	logger := observability.NewLoggerTo(os.Stderr, "vaultctl", observability.ParseLogLevel(cfg.LogLevel))
	nc, js, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	subject := ingestion.DefaultSubjects().Instructions + "." + kind.String()
	ack, err := js.Publish(ctx, subject, data, jetstream.WithMsgID(inv.ID.String()))
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	logger.Info().
		Str("subject", subject).
		Stringer("invocation_id", inv.ID).
		Uint64("stream_seq", ack.Sequence).
		Bool("duplicate", ack.Duplicate).
		Msg("invocation published")
	return nil
}

func runAuthority(cmd *cobra.Command, _ []string) error {
	groupStr, _ := cmd.Flags().GetString("group")
	group, err := solana.PublicKeyFromBase58(groupStr)
	if err != nil {
		return fmt.Errorf("group: %w", err)
	}
	programStr, _ := cmd.Flags().GetString("program-id")
	program, err := solana.PublicKeyFromBase58(programStr)
	if err != nil {
		return fmt.Errorf("program-id: %w", err)
	}

	var auth ledger.Authority
	if nonce, _ := cmd.Flags().GetInt64("nonce"); nonce >= 0 {
		auth, err = ledger.DeriveAuthority(group, uint64(nonce), program)
	} else {
		auth, err = ledger.FindAuthority(group, program)
	}
	if err != nil {
		return err
	}

	fmt.Printf("authority: %s\nnonce:     %d\n", auth.Key, auth.Nonce)
	return nil
}

func runOracle(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	decimals, _ := cmd.Flags().GetUint8("quote-decimals")

	kind := oracle.Classify(data)
	price, err := oracle.Read(&ledger.Account{Data: data}, decimals)
	if err != nil {
		return fmt.Errorf("%s feed: %w", kind, err)
	}
	fmt.Printf("kind:  %s\nprice: %s\n", kind, price)
	return nil
}

func runVenueSim(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := observability.NewLoggerTo(os.Stdout, "venue-sim", observability.ParseLogLevel(cfg.LogLevel))

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	fixture, err := venue.ReadFixture(f)
	f.Close()
	if err != nil {
		return err
	}

	mem := venue.NewMemoryVenue()
	if err := mem.Seed(fixture); err != nil {
		return err
	}

	nc, _, err := ingestion.ConnectNATS(cfg.NATSURL, logger)
	if err != nil {
		return err
	}
	defer nc.Close()

	responder := venue.NewResponder(mem, cfg.VenuePrefix, logger)
	if err := responder.Serve(nc); err != nil {
		return err
	}
	defer responder.Stop()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Info().Int("groups", len(fixture.Groups)).Msg("venue simulator ready")
	<-ctx.Done()
	return nil
}
