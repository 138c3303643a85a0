package main

import (
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/aluedeke/go-credbundle/pkg/credbundle"
	"github.com/docopt/docopt-go"
	"go.uber.org/zap"
)

const version = "1.0.0"

const usage = `go-credbundle - iOS Signing Credential Container Tool

A command-line tool for packing an iOS signing identity (certificate, P12 key archive
and provisioning profile) into a single signed, optionally encrypted container.

Usage:
  go-credbundle create [--p12=<path>] [--profile=<path>] [--cert=<path>] [--password=<password>] [--output=<path>] [--legacy] [--passphrase=<pass>] [--key-file=<path>] [--recipient=<key>...] [--identity=<path>] [--debug]
  go-credbundle verify --in=<path> [--passphrase=<pass>] [--key-file=<path>] [--identity=<path>] [--debug]
  go-credbundle info --in=<path> [--password=<password>] [--passphrase=<pass>] [--key-file=<path>] [--identity=<path>] [--debug]
  go-credbundle extract --in=<path> --dir=<path> [--passphrase=<pass>] [--key-file=<path>] [--identity=<path>] [--debug]
  go-credbundle match --in=<path> --binary=<path> [--passphrase=<pass>] [--key-file=<path>] [--identity=<path>] [--debug]
  go-credbundle keygen --output=<path>
  go-credbundle -h | --help
  go-credbundle --version

Commands:
  create    Build a container from a P12 (or PEM key) and a provisioning profile
  verify    Decode a container and check its signature
  info      Display information about a container and its provisioning profile
  extract   Write the certificate, key archive and profile of a container to a directory
  match     Check that a Mach-O binary was signed with the container's certificate
  keygen    Write a new random key for --key-file

Options:
  --p12=<path>          Path to the P12 key archive, or a PEM private key (or CREDBUNDLE_P12 env var)
  --profile=<path>      Path to the provisioning profile (or CREDBUNDLE_PROFILE env var)
  --cert=<path>         Certificate (DER or PEM) to use instead of the one in the archive
  --password=<password> Password for the P12 archive (or CREDBUNDLE_PASSWORD env var)
  --output=<path>       Output path (create: defaults to the profile name; the .backdoor extension is added)
  --legacy              Write the legacy unencrypted layout
  --passphrase=<pass>   Encrypt/decrypt with a passphrase (or CREDBUNDLE_PASSPHRASE env var)
  --key-file=<path>     Encrypt/decrypt with a 32-byte key file (or CREDBUNDLE_KEY_FILE env var)
  --recipient=<key>     Encrypt to an age public key (age1...), may be repeated
  --identity=<path>     Decrypt with an age identity file (or CREDBUNDLE_AGE_IDENTITY env var)
  --in=<path>           Path to the container
  --dir=<path>          Output directory for extract
  --binary=<path>       Path to a Mach-O executable (thin or fat)
  --debug               Enable debug logging
  -h --help             Show this help message
  --version             Show version

Environment Variables:
  CREDBUNDLE_P12          Path to P12 key archive (overridden by --p12)
  CREDBUNDLE_PROFILE      Path to provisioning profile (overridden by --profile)
  CREDBUNDLE_PASSWORD     P12 password (overridden by --password)
  CREDBUNDLE_PASSPHRASE   Container passphrase (overridden by --passphrase)
  CREDBUNDLE_KEY_FILE     Container key file (overridden by --key-file)
  CREDBUNDLE_AGE_IDENTITY Age identity file (overridden by --identity)

Examples:
  # Create an encrypted container protected by a key file
  go-credbundle keygen --output=team.key
  go-credbundle create --p12=cert.p12 --profile=dev.mobileprovision --password=secret --key-file=team.key --output=team

  # Create a legacy container readable by older tools
  go-credbundle create --p12=cert.p12 --profile=dev.mobileprovision --password=secret --legacy

  # Encrypt to age recipients
  go-credbundle create --p12=cert.p12 --profile=dev.mobileprovision --recipient=age1... --recipient=age1...

  # Inspect a container
  go-credbundle info --in=team.backdoor --key-file=team.key --password=secret

  # Unpack a container
  go-credbundle extract --in=team.backdoor --dir=out --key-file=team.key

  # Check that an app binary was signed with the container's identity
  go-credbundle match --in=team.backdoor --binary=MyApp.app/MyApp --key-file=team.key
`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing arguments: %v\n", err)
		os.Exit(1)
	}

	debug, _ := opts.Bool("--debug")
	logger, err := newLogger(debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	commands := []struct {
		name string
		run  func(docopt.Opts, *zap.Logger) error
	}{
		{"create", runCreate},
		{"verify", runVerify},
		{"info", runInfo},
		{"extract", runExtract},
		{"match", runMatch},
		{"keygen", runKeygen},
	}
	for _, cmd := range commands {
		if ok, _ := opts.Bool(cmd.name); !ok {
			continue
		}
		if err := cmd.run(opts, logger); err != nil {
			logger.Debug("command failed", zap.String("command", cmd.name), zap.Error(err))
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			logger.Sync()
			os.Exit(1)
		}
		return
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	return cfg.Build()
}

// stringOpt returns the flag value, falling back to the environment.
func stringOpt(opts docopt.Opts, flag, env string) string {
	v, _ := opts.String(flag)
	if v == "" && env != "" {
		v = os.Getenv(env)
	}
	return v
}

// newCipher builds the confidentiality layer from the key flags. At most one
// kind of key material may be given; nil means none was.
func newCipher(opts docopt.Opts) (credbundle.Cipher, error) {
	passphrase := stringOpt(opts, "--passphrase", "CREDBUNDLE_PASSPHRASE")
	keyFile := stringOpt(opts, "--key-file", "CREDBUNDLE_KEY_FILE")
	identityFile := stringOpt(opts, "--identity", "CREDBUNDLE_AGE_IDENTITY")
	recipientKeys, _ := opts["--recipient"].([]string)

	chosen := 0
	for _, set := range []bool{passphrase != "", keyFile != "", identityFile != "" || len(recipientKeys) > 0} {
		if set {
			chosen++
		}
	}
	if chosen > 1 {
		return nil, fmt.Errorf("use only one of --passphrase, --key-file or --recipient/--identity")
	}

	switch {
	case passphrase != "":
		return credbundle.NewPassphraseCipher(passphrase, credbundle.DefaultKDFParams)
	case keyFile != "":
		key, err := credbundle.LoadKeyFile(keyFile)
		if err != nil {
			return nil, err
		}
		return credbundle.NewKeyCipher(key)
	case identityFile != "" || len(recipientKeys) > 0:
		recipients, err := credbundle.ParseAgeRecipients(recipientKeys)
		if err != nil {
			return nil, err
		}
		var identities []age.Identity
		if identityFile != "" {
			if identities, err = credbundle.LoadAgeIdentities(identityFile); err != nil {
				return nil, err
			}
		}
		return credbundle.NewAgeCipher(recipients, identities)
	}
	return nil, nil
}

func newCodec(opts docopt.Opts, logger *zap.Logger) (*credbundle.Codec, error) {
	cipher, err := newCipher(opts)
	if err != nil {
		return nil, err
	}
	return credbundle.NewCodec(credbundle.NewProvider(cipher), credbundle.WithLogger(logger)), nil
}

// loadContainer reads, decodes and verifies the --in container. A missing
// key for an encrypted container gets a hint instead of a bare error.
func loadContainer(opts docopt.Opts, logger *zap.Logger) (*credbundle.Bundle, []byte, error) {
	inputPath, _ := opts.String("--in")
	codec, err := newCodec(opts, logger)
	if err != nil {
		return nil, nil, err
	}

	data, err := os.ReadFile(inputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read container: %w", err)
	}
	if !codec.Sniff(data) {
		return nil, nil, fmt.Errorf("%s is not a credential container", inputPath)
	}

	bundle, err := codec.Decode(data)
	if errors.Is(err, credbundle.ErrNoCipher) {
		return nil, nil, fmt.Errorf("%w (encrypted container: pass --passphrase, --key-file or --identity)", err)
	}
	if err != nil {
		return nil, nil, err
	}
	return bundle, data, nil
}

func runCreate(opts docopt.Opts, logger *zap.Logger) error {
	archivePath := stringOpt(opts, "--p12", "CREDBUNDLE_P12")
	profilePath := stringOpt(opts, "--profile", "CREDBUNDLE_PROFILE")
	password := stringOpt(opts, "--password", "CREDBUNDLE_PASSWORD")
	certPath, _ := opts.String("--cert")
	outputPath, _ := opts.String("--output")
	legacy, _ := opts.Bool("--legacy")

	// Validate required parameters
	if archivePath == "" {
		return fmt.Errorf("--p12 is required (or set CREDBUNDLE_P12 environment variable)")
	}
	if profilePath == "" {
		return fmt.Errorf("--profile is required (or set CREDBUNDLE_PROFILE environment variable)")
	}

	cipher, err := newCipher(opts)
	if err != nil {
		return err
	}
	if !legacy && cipher == nil {
		return fmt.Errorf("encrypted containers need --passphrase, --key-file or --recipient (or pass --legacy)")
	}
	codec := credbundle.NewCodec(credbundle.NewProvider(cipher), credbundle.WithLogger(logger))
	variant := credbundle.VariantFor(!legacy)

	archive, err := os.ReadFile(archivePath)
	if err != nil {
		return fmt.Errorf("failed to read key archive: %w", err)
	}
	profileData, err := os.ReadFile(profilePath)
	if err != nil {
		return fmt.Errorf("failed to read provisioning profile: %w", err)
	}

	var bundle *credbundle.Bundle
	if certPath != "" {
		certDER, err := readCertificate(certPath)
		if err != nil {
			return err
		}
		identity, err := credbundle.LoadSigningIdentity(archive, password)
		if err != nil {
			return fmt.Errorf("failed to load signing key: %w", err)
		}
		bundle, err = codec.NewBundle(certDER, archive, profileData, identity.PrivateKey)
		if err != nil {
			return err
		}
	} else {
		bundle, err = codec.NewBundleFromP12(archive, password, profileData)
		if err != nil {
			return err
		}
	}

	if outputPath == "" {
		outputPath = defaultOutputPath(bundle, profilePath)
	}

	fmt.Printf("Creating %s container\n", variant)
	fmt.Printf("Using key archive: %s\n", archivePath)
	fmt.Printf("Using profile: %s\n", profilePath)
	fmt.Printf("Identity: %s\n", bundle.DisplayName())
	if matches, err := bundle.ProfileMatchesCertificate(); err == nil && !matches {
		fmt.Printf("Warning: the profile does not list this certificate\n")
	}
	fmt.Println()

	path, err := codec.SaveFile(bundle, outputPath, variant)
	if err != nil {
		return err
	}
	fmt.Printf("Successfully wrote container: %s\n", path)
	return nil
}

// readCertificate accepts DER or a PEM CERTIFICATE block.
func readCertificate(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read certificate: %w", err)
	}
	if block, _ := pem.Decode(data); block != nil {
		if block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%s: expected CERTIFICATE PEM block, got %s", path, block.Type)
		}
		return block.Bytes, nil
	}
	return data, nil
}

// defaultOutputPath names the container after the profile, falling back to
// the profile file name.
func defaultOutputPath(bundle *credbundle.Bundle, profilePath string) string {
	if profile, err := bundle.Profile(); err == nil && profile.Name != "" {
		name := strings.Map(func(r rune) rune {
			switch r {
			case '/', '\\', ':', ' ':
				return '_'
			}
			return r
		}, profile.Name)
		return filepath.Join(filepath.Dir(profilePath), name)
	}
	return strings.TrimSuffix(profilePath, filepath.Ext(profilePath))
}

func runVerify(opts docopt.Opts, logger *zap.Logger) error {
	bundle, data, err := loadContainer(opts, logger)
	if err != nil {
		return err
	}
	inputPath, _ := opts.String("--in")
	fmt.Printf("Signature OK: %s\n", inputPath)
	fmt.Printf("Layout:      %s\n", credbundle.VariantOf(data))
	fmt.Printf("Identity:    %s\n", bundle.DisplayName())
	if bundle.IsExpired(time.Now()) {
		fmt.Printf("Warning: certificate expired on %s\n", bundle.ExpiryDate().Format("2006-01-02"))
	}
	return nil
}

func runInfo(opts docopt.Opts, logger *zap.Logger) error {
	bundle, data, err := loadContainer(opts, logger)
	if err != nil {
		return err
	}
	inputPath, _ := opts.String("--in")
	password := stringOpt(opts, "--password", "CREDBUNDLE_PASSWORD")
	now := time.Now()
	cert := bundle.Certificate()

	fmt.Println("Credential Container Information")
	fmt.Println("================================")
	fmt.Printf("File:           %s\n", inputPath)
	fmt.Printf("Size:           %d bytes\n", len(data))
	fmt.Printf("BLAKE3:         %s\n", credbundle.Digest(data))
	fmt.Printf("Layout:         %s\n", credbundle.VariantOf(data))
	fmt.Printf("Key Archive:    %d bytes\n", len(bundle.KeyArchive()))
	fmt.Printf("Profile:        %d bytes\n", len(bundle.EntitlementDocument()))

	fmt.Println()
	fmt.Println("Certificate")
	fmt.Println("-----------")
	fmt.Printf("Name:           %s\n", bundle.DisplayName())
	fmt.Printf("Subject:        %s\n", cert.Subject.String())
	fmt.Printf("Serial:         %s\n", cert.SerialNumber.String())
	if len(cert.Subject.OrganizationalUnit) > 0 {
		fmt.Printf("Team ID:        %s\n", cert.Subject.OrganizationalUnit[0])
	}
	fmt.Printf("Expiration:     %s\n", bundle.ExpiryDate().Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", bundle.IsExpired(now))
	if apple, err := bundle.IssuedByApple(now); err == nil {
		fmt.Printf("Apple Issued:   %v\n", apple)
	}

	if password != "" {
		if identity, err := bundle.Identity(password); err != nil {
			fmt.Printf("Key Archive:    cannot open (%v)\n", err)
		} else {
			fmt.Printf("Key Archive:    opens, key matches certificate (chain of %d)\n", len(identity.CertChain))
		}
	}

	profile, err := bundle.Profile()
	if err != nil {
		logger.Debug("entitlement document is not a provisioning profile", zap.Error(err))
		return nil
	}

	fmt.Println()
	fmt.Println("Provisioning Profile")
	fmt.Println("--------------------")
	fmt.Printf("Name:           %s\n", profile.Name)
	fmt.Printf("Team ID:        %s\n", profile.GetTeamID())
	fmt.Printf("App ID:         %s\n", profile.GetApplicationIdentifier())
	fmt.Printf("UUID:           %s\n", profile.UUID)
	fmt.Printf("Created:        %s\n", profile.CreationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expiration:     %s\n", profile.ExpirationDate.Format("2006-01-02 15:04:05"))
	fmt.Printf("Expired:        %v\n", profile.IsExpired(now))
	fmt.Printf("Lists Cert:     %v\n", profile.MatchesCertificate(cert))

	if profile.ProvisionsAllDevices {
		fmt.Printf("Devices:        all\n")
	} else if len(profile.ProvisionedDevices) > 0 {
		fmt.Printf("Devices:        %d\n", len(profile.ProvisionedDevices))
		for _, udid := range profile.ProvisionedDevices {
			fmt.Printf("  - %s\n", udid)
		}
	}

	if keys := profile.EntitlementKeys(); len(keys) > 0 {
		fmt.Println()
		fmt.Println("Entitlements:")
		for _, key := range keys {
			fmt.Printf("  %s: %v\n", key, profile.Entitlements[key])
		}
	}
	return nil
}

func runExtract(opts docopt.Opts, logger *zap.Logger) error {
	bundle, _, err := loadContainer(opts, logger)
	if err != nil {
		return err
	}
	dir, _ := opts.String("--dir")
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	archiveName := "identity.p12"
	if strings.HasPrefix(strings.TrimSpace(string(bundle.KeyArchive())), "-----BEGIN") {
		archiveName = "identity.pem"
	}
	files := []struct {
		name string
		data []byte
	}{
		{"certificate.cer", bundle.CertificateDER()},
		{archiveName, bundle.KeyArchive()},
		{"embedded.mobileprovision", bundle.EntitlementDocument()},
		{"signature.bin", bundle.Signature()},
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, f.data, 0600); err != nil {
			return fmt.Errorf("failed to write %s: %w", path, err)
		}
		fmt.Printf("Wrote %s (%d bytes)\n", path, len(f.data))
	}
	return nil
}

func runMatch(opts docopt.Opts, logger *zap.Logger) error {
	bundle, _, err := loadContainer(opts, logger)
	if err != nil {
		return err
	}
	binaryPath, _ := opts.String("--binary")

	certs, err := credbundle.BinarySignerCertificates(binaryPath)
	if err != nil {
		return err
	}
	for i, cert := range certs {
		logger.Debug("binary slice signer", zap.Int("slice", i), zap.String("subject", cert.Subject.String()))
	}

	matched, err := bundle.SignedBinary(binaryPath)
	if err != nil {
		return err
	}
	if !matched {
		return fmt.Errorf("%s was not signed by %s", binaryPath, bundle.DisplayName())
	}
	fmt.Printf("%s is signed by %s (%d slice(s))\n", binaryPath, bundle.DisplayName(), len(certs))
	return nil
}

func runKeygen(opts docopt.Opts, logger *zap.Logger) error {
	outputPath, _ := opts.String("--output")
	key, err := credbundle.GenerateKey()
	if err != nil {
		return err
	}

	f, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("failed to write key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	logger.Debug("key generated", zap.String("path", outputPath))
	fmt.Printf("Wrote key: %s\n", outputPath)
	return nil
}
